package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nova-corefabric/corefabric/pkg/cache"
	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/events"
	"github.com/nova-corefabric/corefabric/pkg/logger"
)

// Event type tags broadcast per §4.5.4's event table.
const (
	EventMessageNew         = "message.new"
	EventMessageEdited      = "message.edited"
	EventMessageRecalled    = "message.recalled"
	EventMessageDelivered   = "message.delivered"
	EventMessageRead        = "message.read"
	EventReactionAdded      = "reaction.added"
	EventReactionRemoved    = "reaction.removed"
	EventReactionRemovedAll = "reaction.removed_all"
	EventTypingIndicator    = "typing.indicator"
)

// CodeLastOwnerMustTransfer is returned when the sole owner of a group
// tries to leave without first transferring ownership.
const CodeLastOwnerMustTransfer apperrors.Code = "LAST_OWNER_MUST_TRANSFER"

// Service implements the messaging core's operation contracts, enforcing
// membership and role authorization before every mutation and broadcasting
// the resulting state change onto the shared bus.
type Service struct {
	store Store
	bus   events.Bus
	cache cache.Cache // backs typing indicators; absence implies not typing.
	cfg   Config

	now   func() time.Time
	newID func() string
}

func NewService(store Store, bus events.Bus, typingCache cache.Cache, cfg Config) *Service {
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 15 * time.Minute
	}
	if cfg.RecallWindow <= 0 {
		cfg.RecallWindow = 15 * time.Minute
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 3 * time.Second
	}
	return &Service{store: store, bus: bus, cache: typingCache, cfg: cfg, now: time.Now, newID: uuid.NewString}
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateConversation implements create_conversation(creator, kind, name?,
// participants[]) -> Conversation.
func (s *Service) CreateConversation(ctx context.Context, creatorID string, kind Kind, name *string, participantIDs []string) (*Conversation, error) {
	switch kind {
	case KindDirect:
		if len(participantIDs) != 1 {
			return nil, apperrors.InvalidArgument("a direct conversation requires exactly one other participant", nil)
		}
		other := participantIDs[0]
		return s.store.FindOrCreateDirectConversation(ctx, directKey(creatorID, other), creatorID, other)
	case KindGroup:
		if name == nil || strings.TrimSpace(*name) == "" {
			return nil, apperrors.InvalidArgument("a group conversation requires a non-empty name", nil)
		}
		if len(participantIDs) == 0 {
			return nil, apperrors.InvalidArgument("a group conversation requires at least one participant", nil)
		}
		return s.store.CreateGroupConversation(ctx, *name, creatorID, participantIDs)
	default:
		return nil, apperrors.InvalidArgument("unknown conversation kind", nil)
	}
}

func (s *Service) requireMember(ctx context.Context, conversationID, userID string) (*Member, error) {
	member, ok, err := s.store.GetMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Forbidden("not a member of this conversation", nil)
	}
	return member, nil
}

func isModerator(role Role) bool {
	return role == RoleOwner || role == RoleAdmin
}

// AddMember implements owners/admins adding a member.
func (s *Service) AddMember(ctx context.Context, conversationID, actorID, targetUserID string, role Role) error {
	actor, err := s.requireMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !isModerator(actor.Role) {
		return apperrors.Forbidden("only owners and admins may add members", nil)
	}
	if role == "" {
		role = RoleMember
	}
	return s.store.AddMember(ctx, conversationID, targetUserID, role)
}

// SetMemberRole implements role promotion, including owner transfer. Only
// an existing owner may promote another member to owner; the acting
// owner's own role becomes admin as part of the transfer.
func (s *Service) SetMemberRole(ctx context.Context, conversationID, actorID, targetUserID string, newRole Role) error {
	actor, err := s.requireMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if newRole == RoleOwner {
		if actor.Role != RoleOwner {
			return apperrors.Forbidden("only an owner may transfer ownership", nil)
		}
		if err := s.store.UpdateMemberRole(ctx, conversationID, targetUserID, RoleOwner); err != nil {
			return err
		}
		return s.store.UpdateMemberRole(ctx, conversationID, actorID, RoleAdmin)
	}
	if !isModerator(actor.Role) {
		return apperrors.Forbidden("only owners and admins may change member roles", nil)
	}
	return s.store.UpdateMemberRole(ctx, conversationID, targetUserID, newRole)
}

// RemoveMember implements self-removal and moderator-initiated removal.
// The last owner of a group must transfer ownership before leaving.
func (s *Service) RemoveMember(ctx context.Context, conversationID, actorID, targetUserID string) error {
	actor, err := s.requireMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if targetUserID == actorID {
		if actor.Role == RoleOwner {
			owners, err := s.store.CountOwners(ctx, conversationID)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return apperrors.New(CodeLastOwnerMustTransfer, "the last owner must transfer ownership before leaving", nil)
			}
		}
		return s.store.RemoveMember(ctx, conversationID, actorID)
	}
	if !isModerator(actor.Role) {
		return apperrors.Forbidden("only owners and admins may remove other members", nil)
	}
	return s.store.RemoveMember(ctx, conversationID, targetUserID)
}

// UpdateMemberSettings updates a member's own muted/archived flags.
func (s *Service) UpdateMemberSettings(ctx context.Context, conversationID, userID string, muted, archived *bool) error {
	if _, err := s.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.store.UpdateMemberSettings(ctx, conversationID, userID, muted, archived)
}

// SendMessage implements send_message(conv, sender, encrypted_content,
// nonce, sender_pubkey, idempotency_key) -> Message. A replay of the same
// (conversation, idempotency_key) with identical content is a no-op that
// returns the original message; with different content it is Duplicate.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID string, encryptedContent, nonce, senderPublicKey []byte, idempotencyKey string) (*Message, error) {
	if _, err := s.requireMember(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	existing, found, err := s.store.FindMessageByIdempotencyKey(ctx, conversationID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if found {
		if existing.SenderID == senderID && bytesEqual(existing.EncryptedContent, encryptedContent) && bytesEqual(existing.Nonce, nonce) {
			return existing, nil
		}
		return nil, apperrors.New(apperrors.CodeAlreadyExists, "idempotency key already used with a different payload", nil)
	}

	now := s.now()
	msg := &Message{
		ID:               s.newID(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		EncryptedContent: encryptedContent,
		Nonce:            nonce,
		SenderPublicKey:  senderPublicKey,
		IdempotencyKey:   idempotencyKey,
		ContentVersion:   1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.broadcast(ctx, conversationID, "messages", EventMessageNew, map[string]interface{}{
		"message_id":        msg.ID,
		"sender_id":         senderID,
		"encrypted_content": encryptedContent,
		"nonce":             nonce,
		"sender_public_key": senderPublicKey,
	})
	return msg, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ListMessages implements list_messages(conv, cursor, limit) -> (messages[],
// next_cursor).
func (s *Service) ListMessages(ctx context.Context, conversationID, callerID string, cursor int64, limit int) ([]Message, int64, error) {
	if _, err := s.requireMember(ctx, conversationID, callerID); err != nil {
		return nil, 0, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, 0, err
	}
	nextCursor := cursor
	if len(msgs) > 0 {
		nextCursor = msgs[len(msgs)-1].Sequence
	}
	return msgs, nextCursor, nil
}

// EditMessage enforces edit_window and increments content version while
// keeping the sequence number.
func (s *Service) EditMessage(ctx context.Context, conversationID, messageID, senderID string, encryptedContent, nonce []byte) error {
	if _, err := s.requireMember(ctx, conversationID, senderID); err != nil {
		return err
	}
	msg, ok, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !ok || msg.DeletedAt != nil {
		return apperrors.NotFound("message not found", nil)
	}
	if msg.SenderID != senderID {
		return apperrors.Forbidden("only the sender may edit a message", nil)
	}
	if s.now().Sub(msg.CreatedAt) > s.cfg.EditWindow {
		return apperrors.New(CodeEditWindowExpired, "edit window has expired", nil)
	}
	if err := s.store.UpdateMessageContent(ctx, messageID, encryptedContent, nonce); err != nil {
		return err
	}
	s.broadcast(ctx, conversationID, "messages", EventMessageEdited, map[string]interface{}{
		"message_id":        messageID,
		"encrypted_content": encryptedContent,
		"nonce":             nonce,
	})
	return nil
}

// RecallMessage soft-deletes a message within recall_window for the
// sender, or at any time for an owner/admin.
func (s *Service) RecallMessage(ctx context.Context, conversationID, messageID, actorID string) error {
	actor, err := s.requireMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	msg, ok, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !ok || msg.DeletedAt != nil {
		return apperrors.NotFound("message not found", nil)
	}

	isSender := actorID == msg.SenderID
	moderator := isModerator(actor.Role)
	if !isSender && !moderator {
		return apperrors.Forbidden("only the sender or a moderator may recall this message", nil)
	}
	if isSender && !moderator && s.now().Sub(msg.CreatedAt) > s.cfg.RecallWindow {
		return apperrors.New(CodeRecallWindowExpired, "recall window has expired", nil)
	}

	if err := s.store.SoftDeleteMessage(ctx, messageID, s.now()); err != nil {
		return err
	}
	s.broadcast(ctx, conversationID, "messages", EventMessageRecalled, map[string]interface{}{"message_id": messageID})
	return nil
}

// MarkDelivered implements the explicit delivered acknowledgement.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, messageID, recipientID string) error {
	if _, err := s.requireMember(ctx, conversationID, recipientID); err != nil {
		return err
	}
	now := s.now()
	if err := s.store.UpsertDelivered(ctx, messageID, recipientID, now); err != nil {
		return err
	}
	s.broadcast(ctx, conversationID, "deliveries", EventMessageDelivered, map[string]interface{}{
		"message_id":   messageID,
		"recipient_id": recipientID,
	})
	return nil
}

// MarkRead implements the explicit read acknowledgement.
func (s *Service) MarkRead(ctx context.Context, conversationID, messageID, recipientID string) error {
	if _, err := s.requireMember(ctx, conversationID, recipientID); err != nil {
		return err
	}
	now := s.now()
	if err := s.store.UpsertRead(ctx, messageID, recipientID, now); err != nil {
		return err
	}
	s.broadcast(ctx, conversationID, "read_receipts", EventMessageRead, map[string]interface{}{
		"message_id":   messageID,
		"recipient_id": recipientID,
		"read_at":      now,
	})
	return nil
}

func typingKey(conversationID, userID string) string {
	return "typing:" + conversationID + ":" + userID
}

// SetTyping writes or clears a short-TTL typing indicator; absence of the
// key implies not typing.
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if _, err := s.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	key := typingKey(conversationID, userID)
	if isTyping {
		if err := s.cache.Set(ctx, key, true, s.cfg.TypingTTL); err != nil {
			return err
		}
	} else if err := s.cache.Delete(ctx, key); err != nil {
		return err
	}
	s.broadcast(ctx, conversationID, "typing", EventTypingIndicator, map[string]interface{}{
		"sender_id": userID,
		"is_typing": isTyping,
	})
	return nil
}

// IsTyping reports whether userID's typing indicator is currently set.
func (s *Service) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	var v bool
	err := s.cache.Get(ctx, typingKey(conversationID, userID), &v)
	if err == nil {
		return v, nil
	}
	if apperrors.CodeOf(err) == apperrors.CodeNotFound {
		return false, nil
	}
	return false, err
}

// AddReaction implements add_reaction; reacting is always self-scoped.
func (s *Service) AddReaction(ctx context.Context, conversationID, messageID, userID, emoji string) error {
	if _, err := s.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	added, err := s.store.AddReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return err
	}
	if added {
		s.broadcast(ctx, conversationID, "messages", EventReactionAdded, map[string]interface{}{
			"message_id": messageID,
			"user_id":    userID,
			"emoji":      emoji,
		})
	}
	return nil
}

// RemoveReaction implements remove_reaction. Removing one's own reaction
// is always allowed; removing another member's reaction requires admin or
// owner role (invariant: non-self removal by a non-admin -> Forbidden).
func (s *Service) RemoveReaction(ctx context.Context, conversationID, messageID, actorID, targetUserID, emoji string) error {
	actor, err := s.requireMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if targetUserID != actorID && !isModerator(actor.Role) {
		return apperrors.Forbidden("only an admin or owner may remove another member's reaction", nil)
	}
	removed, err := s.store.RemoveReaction(ctx, messageID, targetUserID, emoji)
	if err != nil {
		return err
	}
	if removed {
		s.broadcast(ctx, conversationID, "messages", EventReactionRemoved, map[string]interface{}{
			"message_id": messageID,
			"user_id":    targetUserID,
			"emoji":      emoji,
		})
	}
	return nil
}

// ClearReactions removes every reaction on a message; restricted to
// moderators.
func (s *Service) ClearReactions(ctx context.Context, conversationID, messageID, actorID string) error {
	actor, err := s.requireMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !isModerator(actor.Role) {
		return apperrors.Forbidden("only an admin or owner may clear all reactions", nil)
	}
	n, err := s.store.ClearReactions(ctx, messageID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.broadcast(ctx, conversationID, "messages", EventReactionRemovedAll, map[string]interface{}{"message_id": messageID})
	}
	return nil
}

// GetReactions implements get_reactions.
func (s *Service) GetReactions(ctx context.Context, conversationID, messageID, callerID string) ([]Reaction, error) {
	if _, err := s.requireMember(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return s.store.GetReactions(ctx, messageID)
}

// StoreDevicePublicKey implements store_device_public_key(user, device,
// public_key).
func (s *Service) StoreDevicePublicKey(ctx context.Context, userID, deviceID string, publicKey []byte) error {
	return s.store.UpsertDeviceKey(ctx, userID, deviceID, publicKey, s.now())
}

// GetPeerPublicKey implements get_peer_public_key(user, device) ->
// public_key?.
func (s *Service) GetPeerPublicKey(ctx context.Context, userID, deviceID string) ([]byte, bool, error) {
	dk, ok, err := s.store.GetDeviceKey(ctx, userID, deviceID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return dk.PublicKey, true, nil
}

// RecordKeyExchange persists only a hash of the shared secret, identified
// by (conversation_id, initiator, peer), for audit.
func (s *Service) RecordKeyExchange(ctx context.Context, conversationID, initiator, peer string, sharedSecret []byte) error {
	return s.store.UpsertKeyExchange(ctx, conversationID, initiator, peer, HashSharedSecret(sharedSecret))
}

func (s *Service) broadcast(ctx context.Context, conversationID, topicSuffix, eventType string, payload interface{}) {
	topic := "messaging.conversation." + conversationID + "." + topicSuffix
	evt := events.Event{
		ID:        s.newID(),
		Type:      eventType,
		Source:    "chat",
		Timestamp: s.now(),
		Payload:   payload,
	}
	if err := s.bus.Publish(ctx, topic, evt); err != nil {
		logger.L().WarnContext(ctx, "chat event broadcast failed", "conversation_id", conversationID, "event_type", eventType, "error", err)
	}
}
