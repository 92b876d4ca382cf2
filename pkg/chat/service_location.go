package chat

import (
	"context"

	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
)

// Event type tags for the location-sharing half of §4.5.4's event table.
const (
	EventLocationShared  = "location.shared"
	EventLocationUpdated = "location.updated"
	EventLocationStopped = "location.stopped"
)

func (s *Service) locationPermission(ctx context.Context, userID string) LocationPermission {
	perm, ok, err := s.store.GetLocationPermission(ctx, userID)
	if err != nil || !ok {
		return defaultLocationPermission(userID)
	}
	return *perm
}

func (s *Service) shareLocation(ctx context.Context, conversationID, userID string, coords LocationCoordinates, altitudeMeters, headingDegrees, speedMPS *float64, eventType string) (*LocationShare, error) {
	if _, err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if err := coords.Validate(); err != nil {
		return nil, err
	}

	perm := s.locationPermission(ctx, userID)
	if !perm.AllowConversations {
		return nil, apperrors.Forbidden("user has disabled location sharing in conversations", nil)
	}
	if perm.BlurLocation {
		coords = coords.blurred()
	}

	now := s.now()
	share := &LocationShare{
		ConversationID: conversationID,
		UserID:         userID,
		Latitude:       coords.Latitude,
		Longitude:      coords.Longitude,
		AccuracyMeters: coords.AccuracyMeters,
		AltitudeMeters: altitudeMeters,
		HeadingDegrees: headingDegrees,
		SpeedMPS:       speedMPS,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.ShareLocation(ctx, share); err != nil {
		return nil, err
	}

	s.broadcast(ctx, conversationID, "location", eventType, map[string]interface{}{
		"user_id":         userID,
		"latitude":        coords.Latitude,
		"longitude":       coords.Longitude,
		"accuracy_meters": coords.AccuracyMeters,
	})
	return share, nil
}

// ShareLocation starts a new active location share in a conversation.
// A user with AllowConversations disabled in their LocationPermission is
// rejected; a user with BlurLocation enabled has their coordinates rounded
// to a coarse grid before storage or broadcast.
func (s *Service) ShareLocation(ctx context.Context, conversationID, userID string, coords LocationCoordinates, altitudeMeters, headingDegrees, speedMPS *float64) (*LocationShare, error) {
	return s.shareLocation(ctx, conversationID, userID, coords, altitudeMeters, headingDegrees, speedMPS, EventLocationShared)
}

// UpdateLocation replaces the coordinates of an already-active share. The
// same permission and blurring rules as ShareLocation apply; callers that
// have never called ShareLocation simply start one.
func (s *Service) UpdateLocation(ctx context.Context, conversationID, userID string, coords LocationCoordinates) (*LocationShare, error) {
	return s.shareLocation(ctx, conversationID, userID, coords, nil, nil, nil, EventLocationUpdated)
}

// StopSharingLocation marks userID's share inactive; a stop on a share
// that was never active or already stopped is a no-op, not an error.
func (s *Service) StopSharingLocation(ctx context.Context, conversationID, userID string) error {
	if _, err := s.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	stopped, err := s.store.StopLocationShare(ctx, conversationID, userID, s.now())
	if err != nil {
		return err
	}
	if stopped {
		s.broadcast(ctx, conversationID, "location", EventLocationStopped, map[string]interface{}{"user_id": userID})
	}
	return nil
}

// ListActiveLocations returns every currently active location share in a
// conversation, visible to any member.
func (s *Service) ListActiveLocations(ctx context.Context, conversationID, callerID string) ([]LocationShare, error) {
	if _, err := s.requireMember(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return s.store.ListActiveLocationShares(ctx, conversationID)
}

// GetLocationPermission returns userID's standing preferences, or the
// defaults if they have never set any.
func (s *Service) GetLocationPermission(ctx context.Context, userID string) (LocationPermission, error) {
	perm, ok, err := s.store.GetLocationPermission(ctx, userID)
	if err != nil {
		return LocationPermission{}, err
	}
	if !ok {
		return defaultLocationPermission(userID), nil
	}
	return *perm, nil
}

// UpdateLocationPermission partially updates userID's location-sharing
// preferences, leaving unset fields at their current (or default) value.
func (s *Service) UpdateLocationPermission(ctx context.Context, userID string, allowConversations, allowSearch, blurLocation *bool) (LocationPermission, error) {
	perm := s.locationPermission(ctx, userID)
	if allowConversations != nil {
		perm.AllowConversations = *allowConversations
	}
	if allowSearch != nil {
		perm.AllowSearch = *allowSearch
	}
	if blurLocation != nil {
		perm.BlurLocation = *blurLocation
	}
	perm.UpdatedAt = s.now()
	if err := s.store.UpsertLocationPermission(ctx, &perm); err != nil {
		return LocationPermission{}, err
	}
	return perm, nil
}
