// Package memory implements chat.Store as an in-process map store, for
// single-process deployments and tests, following the same
// real-adapter-not-a-mock pattern as pkg/cache/adapters/memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/chat"
	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
)

type Store struct {
	mu sync.Mutex

	conversations map[string]*chat.Conversation
	directIndex   map[string]string // directKey -> conversation id
	members       map[string]map[string]*chat.Member // conversation id -> user id -> member
	messages      map[string]*chat.Message            // message id -> message
	sequences     map[string]int64                    // conversation id -> last sequence
	idempotency   map[string]string                    // conversationID|idempotencyKey -> message id
	reactions     map[string]map[string]chat.Reaction  // message id -> "user|emoji" -> reaction
	deviceKeys    map[string]*chat.DeviceKey            // "user|device" -> key
	keyExchanges  map[string]*chat.KeyExchange
	receipts      map[string]*chat.DeliveryReceipt // "message|recipient" -> receipt

	locationShares      map[string]*chat.LocationShare      // "conversation|user" -> share
	locationPermissions map[string]*chat.LocationPermission // user -> permission
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*chat.Conversation),
		directIndex:   make(map[string]string),
		members:       make(map[string]map[string]*chat.Member),
		messages:      make(map[string]*chat.Message),
		sequences:     make(map[string]int64),
		idempotency:   make(map[string]string),
		reactions:     make(map[string]map[string]chat.Reaction),
		deviceKeys:    make(map[string]*chat.DeviceKey),
		keyExchanges:  make(map[string]*chat.KeyExchange),
		receipts:      make(map[string]*chat.DeliveryReceipt),

		locationShares:      make(map[string]*chat.LocationShare),
		locationPermissions: make(map[string]*chat.LocationPermission),
	}
}

func idFromCounter(prefix string, n int) string {
	return prefix + "-" + time.Now().Format("150405.000000") + "-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (s *Store) FindOrCreateDirectConversation(ctx context.Context, directKey, a, b string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.directIndex[directKey]; ok {
		return s.conversations[id], nil
	}

	id := idFromCounter("conv", len(s.conversations)+1)
	conv := &chat.Conversation{ID: id, Kind: chat.KindDirect, DirectKey: &directKey, CreatedAt: time.Now()}
	s.conversations[id] = conv
	s.directIndex[directKey] = id
	s.members[id] = map[string]*chat.Member{
		a: {ConversationID: id, UserID: a, Role: chat.RoleMember, JoinedAt: time.Now()},
		b: {ConversationID: id, UserID: b, Role: chat.RoleMember, JoinedAt: time.Now()},
	}
	return conv, nil
}

func (s *Store) CreateGroupConversation(ctx context.Context, name, creatorID string, participantIDs []string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idFromCounter("conv", len(s.conversations)+1)
	conv := &chat.Conversation{ID: id, Kind: chat.KindGroup, Name: &name, CreatedAt: time.Now()}
	s.conversations[id] = conv

	members := map[string]*chat.Member{
		creatorID: {ConversationID: id, UserID: creatorID, Role: chat.RoleOwner, JoinedAt: time.Now()},
	}
	for _, p := range participantIDs {
		if p == creatorID {
			continue
		}
		members[p] = &chat.Member{ConversationID: id, UserID: p, Role: chat.RoleMember, JoinedAt: time.Now()}
	}
	s.members[id] = members
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	return conv, ok, nil
}

func (s *Store) GetMember(ctx context.Context, conversationID, userID string) (*chat.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[conversationID]
	if !ok {
		return nil, false, nil
	}
	m, ok := members[userID]
	return m, ok, nil
}

func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]chat.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[conversationID]
	if !ok {
		return nil, nil
	}
	out := make([]chat.Member, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID string, role chat.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[conversationID] == nil {
		s.members[conversationID] = make(map[string]*chat.Member)
	}
	if _, exists := s.members[conversationID][userID]; exists {
		return nil
	}
	s.members[conversationID][userID] = &chat.Member{ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: time.Now()}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[conversationID], userID)
	return nil
}

func (s *Store) UpdateMemberRole(ctx context.Context, conversationID, userID string, role chat.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[conversationID][userID]
	if !ok {
		return apperrors.NotFound("member not found", nil)
	}
	m.Role = role
	return nil
}

func (s *Store) UpdateMemberSettings(ctx context.Context, conversationID, userID string, muted, archived *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[conversationID][userID]
	if !ok {
		return apperrors.NotFound("member not found", nil)
	}
	if muted != nil {
		m.Muted = *muted
	}
	if archived != nil {
		m.Archived = *archived
	}
	return nil
}

func (s *Store) CountOwners(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.members[conversationID] {
		if m.Role == chat.RoleOwner {
			n++
		}
	}
	return n, nil
}

func (s *Store) FindMessageByIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) (*chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotency[conversationID+"|"+idempotencyKey]
	if !ok {
		return nil, false, nil
	}
	return s.messages[id], true, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[msg.ConversationID]++
	msg.Sequence = s.sequences[msg.ConversationID]
	cp := *msg
	s.messages[msg.ID] = &cp
	s.idempotency[msg.ConversationID+"|"+msg.IdempotencyKey] = msg.ID
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.LastMessageSeq = msg.Sequence
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	return m, ok, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Sequence <= afterSeq {
			continue
		}
		visible := *m
		if visible.DeletedAt != nil {
			visible.EncryptedContent = nil
			visible.Nonce = nil
		}
		out = append(out, visible)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID string, encryptedContent, nonce []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return apperrors.NotFound("message not found", nil)
	}
	m.EncryptedContent = encryptedContent
	m.Nonce = nonce
	m.ContentVersion++
	m.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return apperrors.NotFound("message not found", nil)
	}
	m.DeletedAt = &deletedAt
	return nil
}

func reactionKey(userID, emoji string) string { return userID + "|" + emoji }

func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions[messageID] == nil {
		s.reactions[messageID] = make(map[string]chat.Reaction)
	}
	key := reactionKey(userID, emoji)
	if _, exists := s.reactions[messageID][key]; exists {
		return false, nil
	}
	s.reactions[messageID][key] = chat.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now()}
	if m, ok := s.messages[messageID]; ok {
		m.ReactionCount++
	}
	return true, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reactionKey(userID, emoji)
	if _, exists := s.reactions[messageID][key]; !exists {
		return false, nil
	}
	delete(s.reactions[messageID], key)
	if m, ok := s.messages[messageID]; ok && m.ReactionCount > 0 {
		m.ReactionCount--
	}
	return true, nil
}

func (s *Store) ClearReactions(ctx context.Context, messageID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.reactions[messageID]))
	delete(s.reactions, messageID)
	if m, ok := s.messages[messageID]; ok {
		m.ReactionCount = 0
	}
	return n, nil
}

func (s *Store) GetReactions(ctx context.Context, messageID string) ([]chat.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Reaction, 0, len(s.reactions[messageID]))
	for _, r := range s.reactions[messageID] {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpsertDeviceKey(ctx context.Context, userID, deviceID string, publicKey []byte, lastSeenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceKeys[userID+"|"+deviceID] = &chat.DeviceKey{UserID: userID, DeviceID: deviceID, PublicKey: publicKey, LastSeenAt: lastSeenAt}
	return nil
}

func (s *Store) GetDeviceKey(ctx context.Context, userID, deviceID string) (*chat.DeviceKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dk, ok := s.deviceKeys[userID+"|"+deviceID]
	return dk, ok, nil
}

func (s *Store) UpsertKeyExchange(ctx context.Context, conversationID, initiator, peer string, sharedSecretHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conversationID + "|" + initiator + "|" + peer
	s.keyExchanges[key] = &chat.KeyExchange{ConversationID: conversationID, Initiator: initiator, Peer: peer, SharedSecretHash: sharedSecretHash, CreatedAt: time.Now()}
	return nil
}

func (s *Store) UpsertDelivered(ctx context.Context, messageID, recipientID string, deliveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageID + "|" + recipientID
	r, ok := s.receipts[key]
	if !ok {
		r = &chat.DeliveryReceipt{MessageID: messageID, RecipientID: recipientID}
		s.receipts[key] = r
	}
	r.DeliveredAt = &deliveredAt
	return nil
}

func (s *Store) UpsertRead(ctx context.Context, messageID, recipientID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageID + "|" + recipientID
	r, ok := s.receipts[key]
	if !ok {
		r = &chat.DeliveryReceipt{MessageID: messageID, RecipientID: recipientID}
		s.receipts[key] = r
	}
	r.ReadAt = &readAt
	return nil
}

func locationKey(conversationID, userID string) string { return conversationID + "|" + userID }

func (s *Store) ShareLocation(ctx context.Context, share *chat.LocationShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *share
	s.locationShares[locationKey(share.ConversationID, share.UserID)] = &cp
	return nil
}

func (s *Store) StopLocationShare(ctx context.Context, conversationID, userID string, stoppedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.locationShares[locationKey(conversationID, userID)]
	if !ok || !share.IsActive {
		return false, nil
	}
	share.IsActive = false
	share.StoppedAt = &stoppedAt
	return true, nil
}

func (s *Store) ListActiveLocationShares(ctx context.Context, conversationID string) ([]chat.LocationShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.LocationShare
	for _, share := range s.locationShares {
		if share.ConversationID == conversationID && share.IsActive {
			out = append(out, *share)
		}
	}
	return out, nil
}

func (s *Store) GetLocationPermission(ctx context.Context, userID string) (*chat.LocationPermission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.locationPermissions[userID]
	return perm, ok, nil
}

func (s *Store) UpsertLocationPermission(ctx context.Context, perm *chat.LocationPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *perm
	s.locationPermissions[perm.UserID] = &cp
	return nil
}

var _ chat.Store = (*Store)(nil)
