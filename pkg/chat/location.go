package chat

import (
	"math"
	"time"

	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
)

// LocationCoordinates is a WGS84 point: latitude/longitude plus the
// reporting device's accuracy radius in meters.
type LocationCoordinates struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters int
}

// Validate enforces the coordinate ranges a GPS fix must fall within.
func (c LocationCoordinates) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return apperrors.InvalidArgument("latitude must be between -90 and 90", nil)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return apperrors.InvalidArgument("longitude must be between -180 and 180", nil)
	}
	if c.AccuracyMeters < 0 || c.AccuracyMeters > 10000 {
		return apperrors.InvalidArgument("accuracy must be between 0 and 10000 meters", nil)
	}
	return nil
}

// DistanceTo returns the great-circle distance to other in kilometers, via
// the Haversine formula.
func (c LocationCoordinates) DistanceTo(other LocationCoordinates) float64 {
	const earthRadiusKM = 6371.0

	lat1 := c.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := (other.Latitude - c.Latitude) * math.Pi / 180
	dLon := (other.Longitude - c.Longitude) * math.Pi / 180

	a := math.Pow(math.Sin(dLat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// blurPrecision rounds a coordinate to roughly a 1.1km grid — coarse enough
// to defeat block-level tracking while keeping a share usable at
// conversation scale.
const blurPrecision = 100.0

func (c LocationCoordinates) blurred() LocationCoordinates {
	c.Latitude = math.Round(c.Latitude*blurPrecision) / blurPrecision
	c.Longitude = math.Round(c.Longitude*blurPrecision) / blurPrecision
	if c.AccuracyMeters < 1000 {
		c.AccuracyMeters = 1000
	}
	return c
}

// LocationShare is a user's location within a conversation: active while
// being shared, retained with StoppedAt set once the user stops. Keyed the
// same way Member is, since at most one share per (conversation, user) is
// ever live at once.
type LocationShare struct {
	ConversationID string `gorm:"primaryKey;index:idx_chat_location_conv,priority:1"`
	UserID         string `gorm:"primaryKey;index:idx_chat_location_conv,priority:2"`
	Latitude       float64
	Longitude      float64
	AccuracyMeters int
	AltitudeMeters *float64
	HeadingDegrees *float64
	SpeedMPS       *float64
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StoppedAt      *time.Time
}

func (LocationShare) TableName() string { return "chat_location_shares" }

// Coordinates extracts the share's WGS84 position.
func (s LocationShare) Coordinates() LocationCoordinates {
	return LocationCoordinates{Latitude: s.Latitude, Longitude: s.Longitude, AccuracyMeters: s.AccuracyMeters}
}

// LocationPermission is a user's standing location-sharing preferences,
// consulted before any share is accepted (AllowConversations) and to decide
// whether a share's coordinates are blurred before they are persisted or
// broadcast (BlurLocation). AllowSearch is stored and returned with the
// preferences; nothing in this package reads it.
type LocationPermission struct {
	UserID             string `gorm:"primaryKey"`
	AllowConversations bool
	AllowSearch        bool
	BlurLocation       bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (LocationPermission) TableName() string { return "chat_location_permissions" }

// defaultLocationPermission is what applies to a user who has never set
// preferences: conversation sharing on (it is an explicit per-share action
// already), proximity search and blurring off.
func defaultLocationPermission(userID string) LocationPermission {
	return LocationPermission{UserID: userID, AllowConversations: true}
}
