// Package chat implements the real-time messaging core: conversation and
// member state, sequenced message delivery with idempotence, end-to-end
// key exchange, reactions, and typing/read/delivery receipts, broadcasting
// every state change onto the shared event bus.
package chat

import (
	"context"
	"time"

	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
)

// Kind distinguishes a two-party conversation from a named group.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Role is a member's standing within a conversation. Both members of a
// direct conversation are stored as RoleMember and pass through the same
// role checks as group members, so neither has moderator rights there.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Conversation is a direct or group messaging thread.
type Conversation struct {
	ID             string `gorm:"primaryKey"`
	Kind           Kind
	Name           *string
	DirectKey      *string `gorm:"uniqueIndex"`
	LastMessageSeq int64
	CreatedAt      time.Time
}

func (Conversation) TableName() string { return "chat_conversations" }

// Member is the relation between a conversation and a user, carrying role
// and per-member settings. Kept as a keyed relation rather than a
// bidirectional pointer so membership is queried, not navigated.
type Member struct {
	ConversationID string `gorm:"primaryKey;index:idx_chat_member_conv_user,priority:1"`
	UserID         string `gorm:"primaryKey;index:idx_chat_member_conv_user,priority:2"`
	Role           Role
	Muted          bool
	Archived       bool
	LastReadSeq    int64
	JoinedAt       time.Time
}

func (Member) TableName() string { return "chat_members" }

// Message is one sequenced, encrypted message in a conversation.
// EncryptedContent and Nonce are opaque to the core: it never holds a
// plaintext message key.
type Message struct {
	ID               string `gorm:"primaryKey"`
	ConversationID   string `gorm:"index:idx_chat_message_conv_seq,priority:1"`
	SenderID         string
	Sequence         int64  `gorm:"index:idx_chat_message_conv_seq,priority:2"`
	EncryptedContent []byte
	Nonce            []byte
	SenderPublicKey  []byte
	IdempotencyKey   string `gorm:"index:idx_chat_message_conv_idem,priority:2"`
	ContentVersion   int
	ReactionCount    int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

func (Message) TableName() string { return "chat_messages" }

// Reaction is a set-valued (message, user, emoji) tuple.
type Reaction struct {
	MessageID string `gorm:"primaryKey;index:idx_chat_reaction,priority:1"`
	UserID    string `gorm:"primaryKey;index:idx_chat_reaction,priority:2"`
	Emoji     string `gorm:"primaryKey;index:idx_chat_reaction,priority:3"`
	CreatedAt time.Time
}

func (Reaction) TableName() string { return "chat_reactions" }

// DeviceKey is a registered device's X25519 public key. The private key
// never crosses this boundary.
type DeviceKey struct {
	UserID     string `gorm:"primaryKey;priority:1"`
	DeviceID   string `gorm:"primaryKey;priority:2"`
	PublicKey  []byte
	LastSeenAt time.Time
}

func (DeviceKey) TableName() string { return "chat_device_keys" }

// KeyExchange is an audit record of a completed ECDH exchange, storing
// only a hash of the shared secret, never the secret itself.
type KeyExchange struct {
	ConversationID   string `gorm:"primaryKey;priority:1"`
	Initiator        string `gorm:"primaryKey;priority:2"`
	Peer             string `gorm:"primaryKey;priority:3"`
	SharedSecretHash []byte
	CreatedAt        time.Time
}

func (KeyExchange) TableName() string { return "chat_key_exchanges" }

// DeliveryReceipt persists delivered/read state per (message, recipient) so
// a late subscriber can reconstruct receipts without replaying broadcast.
type DeliveryReceipt struct {
	MessageID   string `gorm:"primaryKey;priority:1"`
	RecipientID string `gorm:"primaryKey;priority:2"`
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

func (DeliveryReceipt) TableName() string { return "chat_delivery_receipts" }

// Config tunes the messaging core's time windows.
type Config struct {
	EditWindow   time.Duration `env:"CHAT_EDIT_WINDOW" env-default:"15m"`
	RecallWindow time.Duration `env:"CHAT_RECALL_WINDOW" env-default:"15m"`
	TypingTTL    time.Duration `env:"CHAT_TYPING_TTL" env-default:"3s"`
}

// Error codes specific to the messaging core's windowed operations;
// everything else maps onto the shared errors.Code set.
const (
	CodeEditWindowExpired   apperrors.Code = "EDIT_WINDOW_EXPIRED"
	CodeRecallWindowExpired apperrors.Code = "RECALL_WINDOW_EXPIRED"
)

// Store is the persistence contract for the messaging core.
type Store interface {
	FindOrCreateDirectConversation(ctx context.Context, directKey, a, b string) (*Conversation, error)
	CreateGroupConversation(ctx context.Context, name, creatorID string, participantIDs []string) (*Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, bool, error)

	GetMember(ctx context.Context, conversationID, userID string) (*Member, bool, error)
	ListMembers(ctx context.Context, conversationID string) ([]Member, error)
	AddMember(ctx context.Context, conversationID, userID string, role Role) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	UpdateMemberRole(ctx context.Context, conversationID, userID string, role Role) error
	UpdateMemberSettings(ctx context.Context, conversationID, userID string, muted, archived *bool) error
	CountOwners(ctx context.Context, conversationID string) (int, error)

	// FindMessageByIdempotencyKey supports SendMessage's idempotence check.
	FindMessageByIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) (*Message, bool, error)
	// InsertMessage assigns the next per-conversation sequence number via
	// an atomic increment and persists the message.
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, messageID string) (*Message, bool, error)
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]Message, error)
	UpdateMessageContent(ctx context.Context, messageID string, encryptedContent, nonce []byte) error
	SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) error

	AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ClearReactions(ctx context.Context, messageID string) (int64, error)
	GetReactions(ctx context.Context, messageID string) ([]Reaction, error)

	UpsertDeviceKey(ctx context.Context, userID, deviceID string, publicKey []byte, lastSeenAt time.Time) error
	GetDeviceKey(ctx context.Context, userID, deviceID string) (*DeviceKey, bool, error)
	UpsertKeyExchange(ctx context.Context, conversationID, initiator, peer string, sharedSecretHash []byte) error

	UpsertDelivered(ctx context.Context, messageID, recipientID string, deliveredAt time.Time) error
	UpsertRead(ctx context.Context, messageID, recipientID string, readAt time.Time) error

	// ShareLocation upserts the (conversation, user) share keyed row,
	// marking it active; both the initial share and every subsequent
	// update go through this one method.
	ShareLocation(ctx context.Context, share *LocationShare) error
	// StopLocationShare marks the share inactive and returns true if it
	// was previously active (false if there was nothing to stop).
	StopLocationShare(ctx context.Context, conversationID, userID string, stoppedAt time.Time) (bool, error)
	ListActiveLocationShares(ctx context.Context, conversationID string) ([]LocationShare, error)

	GetLocationPermission(ctx context.Context, userID string) (*LocationPermission, bool, error)
	UpsertLocationPermission(ctx context.Context, perm *LocationPermission) error
}
