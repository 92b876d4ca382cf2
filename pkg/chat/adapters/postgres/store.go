// Package postgres implements chat.Store on top of GORM/Postgres.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nova-corefabric/corefabric/pkg/chat"
	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) FindOrCreateDirectConversation(ctx context.Context, directKey, a, b string) (*chat.Conversation, error) {
	var conv chat.Conversation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("direct_key = ?", directKey).Take(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		conv = chat.Conversation{ID: uuid.NewString(), Kind: chat.KindDirect, DirectKey: &directKey, CreatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "direct_key"}}, DoNothing: true}).
			Create(&conv).Error; err != nil {
			return err
		}
		// Another request may have won the race; re-read to get the
		// canonical row either way.
		if err := tx.Where("direct_key = ?", directKey).Take(&conv).Error; err != nil {
			return err
		}

		members := []chat.Member{
			{ConversationID: conv.ID, UserID: a, Role: chat.RoleMember, JoinedAt: time.Now()},
			{ConversationID: conv.ID, UserID: b, Role: chat.RoleMember, JoinedAt: time.Now()},
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "find or create direct conversation")
	}
	return &conv, nil
}

func (s *Store) CreateGroupConversation(ctx context.Context, name, creatorID string, participantIDs []string) (*chat.Conversation, error) {
	conv := chat.Conversation{ID: uuid.NewString(), Kind: chat.KindGroup, Name: &name, CreatedAt: time.Now()}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}

		members := []chat.Member{{ConversationID: conv.ID, UserID: creatorID, Role: chat.RoleOwner, JoinedAt: time.Now()}}
		for _, p := range participantIDs {
			if p == creatorID {
				continue
			}
			members = append(members, chat.Member{ConversationID: conv.ID, UserID: p, Role: chat.RoleMember, JoinedAt: time.Now()})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "create group conversation")
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, bool, error) {
	var conv chat.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "get conversation")
	}
	return &conv, true, nil
}

func (s *Store) GetMember(ctx context.Context, conversationID, userID string) (*chat.Member, bool, error) {
	var m chat.Member
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "get conversation member")
	}
	return &m, true, nil
}

func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]chat.Member, error) {
	var members []chat.Member
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Find(&members).Error; err != nil {
		return nil, apperrors.Wrap(err, "list conversation members")
	}
	return members, nil
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID string, role chat.Role) error {
	m := chat.Member{ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return apperrors.Wrap(err, "add conversation member")
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&chat.Member{}).Error; err != nil {
		return apperrors.Wrap(err, "remove conversation member")
	}
	return nil
}

func (s *Store) UpdateMemberRole(ctx context.Context, conversationID, userID string, role chat.Role) error {
	if err := s.db.WithContext(ctx).Model(&chat.Member{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Clauses(lockingClause()).
		Update("role", role).Error; err != nil {
		return apperrors.Wrap(err, "update member role")
	}
	return nil
}

func (s *Store) UpdateMemberSettings(ctx context.Context, conversationID, userID string, muted, archived *bool) error {
	updates := map[string]interface{}{}
	if muted != nil {
		updates["muted"] = *muted
	}
	if archived != nil {
		updates["archived"] = *archived
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&chat.Member{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(updates).Error; err != nil {
		return apperrors.Wrap(err, "update member settings")
	}
	return nil
}

func (s *Store) CountOwners(ctx context.Context, conversationID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&chat.Member{}).
		Where("conversation_id = ? AND role = ?", conversationID, chat.RoleOwner).
		Count(&count).Error; err != nil {
		return 0, apperrors.Wrap(err, "count conversation owners")
	}
	return int(count), nil
}

func (s *Store) FindMessageByIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) (*chat.Message, bool, error) {
	var msg chat.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND idempotency_key = ?", conversationID, idempotencyKey).
		Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "find message by idempotency key")
	}
	return &msg, true, nil
}

// InsertMessage assigns the next sequence number under a row lock on the
// parent conversation so concurrent senders in the same conversation never
// observe the same sequence twice.
func (s *Store) InsertMessage(ctx context.Context, msg *chat.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv chat.Conversation
		if err := tx.Clauses(lockingClause()).Where("id = ?", msg.ConversationID).Take(&conv).Error; err != nil {
			return err
		}

		msg.Sequence = conv.LastMessageSeq + 1
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&chat.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("last_message_seq", msg.Sequence).Error
	})
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*chat.Message, bool, error) {
	var msg chat.Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "get message")
	}
	return &msg, true, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	var messages []chat.Message
	q := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", conversationID, afterSeq).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, apperrors.Wrap(err, "list messages")
	}
	for i := range messages {
		if messages[i].DeletedAt != nil {
			messages[i].EncryptedContent = nil
			messages[i].Nonce = nil
		}
	}
	return messages, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID string, encryptedContent, nonce []byte) error {
	if err := s.db.WithContext(ctx).Model(&chat.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"encrypted_content": encryptedContent,
			"nonce":             nonce,
			"content_version":   gorm.Expr("content_version + 1"),
			"updated_at":        time.Now(),
		}).Error; err != nil {
		return apperrors.Wrap(err, "update message content")
	}
	return nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) error {
	if err := s.db.WithContext(ctx).Model(&chat.Message{}).
		Where("id = ?", messageID).
		Update("deleted_at", deletedAt).Error; err != nil {
		return apperrors.Wrap(err, "soft delete message")
	}
	return nil
}

func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	r := chat.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r)
	if res.Error != nil {
		return false, apperrors.Wrap(res.Error, "add reaction")
	}
	added := res.RowsAffected > 0
	if added {
		if err := s.db.WithContext(ctx).Model(&chat.Message{}).
			Where("id = ?", messageID).
			Update("reaction_count", gorm.Expr("reaction_count + 1")).Error; err != nil {
			return false, apperrors.Wrap(err, "increment reaction count")
		}
	}
	return added, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&chat.Reaction{})
	if res.Error != nil {
		return false, apperrors.Wrap(res.Error, "remove reaction")
	}
	removed := res.RowsAffected > 0
	if removed {
		if err := s.db.WithContext(ctx).Model(&chat.Message{}).
			Where("id = ? AND reaction_count > 0", messageID).
			Update("reaction_count", gorm.Expr("reaction_count - 1")).Error; err != nil {
			return false, apperrors.Wrap(err, "decrement reaction count")
		}
	}
	return removed, nil
}

func (s *Store) ClearReactions(ctx context.Context, messageID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&chat.Reaction{})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "clear reactions")
	}
	if res.RowsAffected > 0 {
		if err := s.db.WithContext(ctx).Model(&chat.Message{}).
			Where("id = ?", messageID).
			Update("reaction_count", 0).Error; err != nil {
			return 0, apperrors.Wrap(err, "reset reaction count")
		}
	}
	return res.RowsAffected, nil
}

func (s *Store) GetReactions(ctx context.Context, messageID string) ([]chat.Reaction, error) {
	var reactions []chat.Reaction
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Find(&reactions).Error; err != nil {
		return nil, apperrors.Wrap(err, "get reactions")
	}
	return reactions, nil
}

func (s *Store) UpsertDeviceKey(ctx context.Context, userID, deviceID string, publicKey []byte, lastSeenAt time.Time) error {
	dk := chat.DeviceKey{UserID: userID, DeviceID: deviceID, PublicKey: publicKey, LastSeenAt: lastSeenAt}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"public_key", "last_seen_at"}),
	}).Create(&dk).Error; err != nil {
		return apperrors.Wrap(err, "upsert device key")
	}
	return nil
}

func (s *Store) GetDeviceKey(ctx context.Context, userID, deviceID string) (*chat.DeviceKey, bool, error) {
	var dk chat.DeviceKey
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Take(&dk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "get device key")
	}
	return &dk, true, nil
}

func (s *Store) UpsertKeyExchange(ctx context.Context, conversationID, initiator, peer string, sharedSecretHash []byte) error {
	ke := chat.KeyExchange{ConversationID: conversationID, Initiator: initiator, Peer: peer, SharedSecretHash: sharedSecretHash, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "initiator"}, {Name: "peer"}},
		DoUpdates: clause.AssignmentColumns([]string{"shared_secret_hash"}),
	}).Create(&ke).Error; err != nil {
		return apperrors.Wrap(err, "upsert key exchange")
	}
	return nil
}

func (s *Store) UpsertDelivered(ctx context.Context, messageID, recipientID string, deliveredAt time.Time) error {
	r := chat.DeliveryReceipt{MessageID: messageID, RecipientID: recipientID, DeliveredAt: &deliveredAt}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "recipient_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"delivered_at"}),
	}).Create(&r).Error; err != nil {
		return apperrors.Wrap(err, "upsert delivered receipt")
	}
	return nil
}

func (s *Store) UpsertRead(ctx context.Context, messageID, recipientID string, readAt time.Time) error {
	r := chat.DeliveryReceipt{MessageID: messageID, RecipientID: recipientID, ReadAt: &readAt}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "recipient_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(&r).Error; err != nil {
		return apperrors.Wrap(err, "upsert read receipt")
	}
	return nil
}

// ShareLocation upserts on the (conversation_id, user_id) composite key,
// the same one-active-row-per-member pattern as UpsertDeviceKey.
func (s *Store) ShareLocation(ctx context.Context, share *chat.LocationShare) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"latitude", "longitude", "accuracy_meters", "altitude_meters",
			"heading_degrees", "speed_mps", "is_active", "updated_at", "stopped_at",
		}),
	}).Create(share).Error; err != nil {
		return apperrors.Wrap(err, "share location")
	}
	return nil
}

func (s *Store) StopLocationShare(ctx context.Context, conversationID, userID string, stoppedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&chat.LocationShare{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]interface{}{"is_active": false, "stopped_at": stoppedAt, "updated_at": stoppedAt})
	if res.Error != nil {
		return false, apperrors.Wrap(res.Error, "stop location share")
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ListActiveLocationShares(ctx context.Context, conversationID string) ([]chat.LocationShare, error) {
	var shares []chat.LocationShare
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Find(&shares).Error; err != nil {
		return nil, apperrors.Wrap(err, "list active location shares")
	}
	return shares, nil
}

func (s *Store) GetLocationPermission(ctx context.Context, userID string) (*chat.LocationPermission, bool, error) {
	var perm chat.LocationPermission
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&perm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, "get location permission")
	}
	return &perm, true, nil
}

func (s *Store) UpsertLocationPermission(ctx context.Context, perm *chat.LocationPermission) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"allow_conversations", "allow_search", "blur_location", "updated_at"}),
	}).Create(perm).Error; err != nil {
		return apperrors.Wrap(err, "upsert location permission")
	}
	return nil
}

var _ chat.Store = (*Store)(nil)
