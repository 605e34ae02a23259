// Package memory implements the storage contract with in-process state.
// Each transaction holds the store lock for its whole body, so command
// handlers see the same serialized behavior they get from postgres.
// Mutations apply in place; there is no rollback, which is acceptable for
// -dev mode and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/permissions"
	"github.com/sportlevel/messenger/internal/storage"
)

type Store struct {
	mu             sync.Mutex
	chats          map[int64]*model.Chat
	memberships    map[int64]map[int64]*model.ChatMembership
	messages       map[int64]*model.Message
	messagesByChat map[int64][]int64
	tickets        map[int64]*model.Ticket
	nextMessageID  int64
	nextChatID     int64
	nextTicketID   int64
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		chats:          make(map[int64]*model.Chat),
		memberships:    make(map[int64]map[int64]*model.ChatMembership),
		messages:       make(map[int64]*model.Message),
		messagesByChat: make(map[int64][]int64),
		tickets:        make(map[int64]*model.Ticket),
	}
}

func (s *Store) WithTx(_ context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{s: s})
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// SeedChat inserts a chat, assigning an id when none is given.
func (s *Store) SeedChat(chat model.Chat) model.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat.ID == 0 {
		s.nextChatID++
		chat.ID = s.nextChatID
	} else if chat.ID > s.nextChatID {
		s.nextChatID = chat.ID
	}
	if chat.Version == 0 {
		chat.Version = 1
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	s.chats[chat.ID] = &chat
	return chat
}

// SeedMembership inserts or replaces a membership row.
func (s *Store) SeedMembership(m model.ChatMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.memberships[m.ChatID]
	if !ok {
		members = make(map[int64]*model.ChatMembership)
		s.memberships[m.ChatID] = members
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	members[m.UserID] = &m
}

// SeedTicket inserts a ticket, assigning an id when none is given.
func (s *Store) SeedTicket(t model.Ticket) model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.nextTicketID++
		t.ID = s.nextTicketID
	}
	if t.Status == "" {
		t.Status = model.TicketStatusNew
	}
	s.tickets[t.ID] = &t
	return t
}

// Message returns a copy of the stored message, for test assertions.
func (s *Store) Message(id int64) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// MembershipRow returns a copy of the stored membership, for tests.
func (s *Store) MembershipRow(chatID, userID int64) (model.ChatMembership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memberships[chatID][userID]; ok {
		return *m, true
	}
	return model.ChatMembership{}, false
}

type tx struct {
	s *Store
}

func (t *tx) Chats() storage.ChatRepo       { return (*chatRepo)(t) }
func (t *tx) Messages() storage.MessageRepo { return (*messageRepo)(t) }
func (t *tx) Tickets() storage.TicketRepo   { return (*ticketRepo)(t) }
func (t *tx) Counters() storage.CounterRepo { return (*counterRepo)(t) }

type chatRepo tx

func (r *chatRepo) ByID(_ context.Context, chatID int64) (*model.Chat, error) {
	chat, ok := r.s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *chat
	return &out, nil
}

func (r *chatRepo) ByMessageID(_ context.Context, messageID int64) (*model.Chat, error) {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	chat, ok := r.s.chats[msg.ChatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *chat
	return &out, nil
}

func (r *chatRepo) Version(_ context.Context, chatID int64) (int64, error) {
	chat, ok := r.s.chats[chatID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return chat.Version, nil
}

func (r *chatRepo) snapshot(chatID, userID int64) permissions.MembershipSnapshot {
	chat, ok := r.s.chats[chatID]
	if !ok {
		return permissions.MembershipSnapshot{}
	}
	s := permissions.MembershipSnapshot{
		Found:    true,
		ChatType: chat.ChatType,
		Closed:   chat.IsClosed,
	}
	if m, ok := r.s.memberships[chatID][userID]; ok {
		s.IsMember = true
		s.HasWrite = m.HasWritePermission
		s.HasRead = m.HasReadPermission
		s.Role = m.Role
		s.IsPrimary = m.IsPrimary
		s.FirstAvailableMessageID = m.FirstAvailableMessageID
		s.LastAvailableMessageID = m.LastAvailableMessageID
	}
	return s
}

func (r *chatRepo) Snapshot(_ context.Context, chatID, userID int64) (permissions.MembershipSnapshot, error) {
	return r.snapshot(chatID, userID), nil
}

func (r *chatRepo) SnapshotByMessage(_ context.Context, messageID, userID int64) (permissions.MembershipSnapshot, int64, error) {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return permissions.MembershipSnapshot{}, 0, nil
	}
	return r.snapshot(msg.ChatID, userID), msg.ChatID, nil
}

func (r *chatRepo) Membership(_ context.Context, chatID, userID int64) (*model.ChatMembership, error) {
	m, ok := r.s.memberships[chatID][userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (r *chatRepo) MemberIDs(_ context.Context, chatID int64) ([]int64, error) {
	members := r.s.memberships[chatID]
	out := make([]int64, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *chatRepo) Members(_ context.Context, chatID int64) ([]model.ChatUser, error) {
	members := r.s.memberships[chatID]
	out := make([]model.ChatUser, 0, len(members))
	for uid, m := range members {
		out = append(out, model.ChatUser{ID: uid, Role: m.Role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *chatRepo) ChatIDsOfUser(_ context.Context, userID int64) ([]int64, error) {
	var out []int64
	for chatID, members := range r.s.memberships {
		if _, ok := members[userID]; ok {
			out = append(out, chatID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *chatRepo) MemberIDsByMatch(_ context.Context, matchID int64) ([]int64, error) {
	seen := make(map[int64]struct{})
	var out []int64
	for chatID, chat := range r.s.chats {
		if chat.MatchID == nil || *chat.MatchID != matchID {
			continue
		}
		for uid := range r.s.memberships[chatID] {
			if _, dup := seen[uid]; !dup {
				seen[uid] = struct{}{}
				out = append(out, uid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type messageRepo tx

func (r *messageRepo) Create(_ context.Context, chatID int64, senderID *int64, content model.Content, replyToID *int64) (*model.Message, error) {
	if _, ok := r.s.chats[chatID]; !ok {
		return nil, storage.ErrNotFound
	}
	r.s.nextMessageID++
	msg := &model.Message{
		ID:             r.s.nextMessageID,
		ChatID:         chatID,
		SenderID:       senderID,
		Content:        content,
		DeliveryStatus: model.DeliveryStatusSent,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now(),
	}
	r.s.messages[msg.ID] = msg
	r.s.messagesByChat[chatID] = append(r.s.messagesByChat[chatID], msg.ID)
	out := *msg
	return &out, nil
}

func (r *messageRepo) ByID(_ context.Context, messageID int64) (*model.Message, error) {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (r *messageRepo) UpdateContent(_ context.Context, messageID int64, content model.Content) (*model.Message, error) {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now()
	msg.Content = content
	msg.UpdatedAt = &now
	out := *msg
	return &out, nil
}

func (r *messageRepo) SoftDelete(_ context.Context, messageID int64) error {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	if msg.DeletedAt == nil {
		now := time.Now()
		msg.DeletedAt = &now
	}
	return nil
}

func (r *messageRepo) AdvanceStatus(_ context.Context, chatID, userID, messageID int64, status model.DeliveryStatus, forAll bool) (storage.StatusCounts, error) {
	var counts storage.StatusCounts
	// No membership row means no cursor to move: zero counts, same as the
	// postgres cursor UPDATE matching nothing.
	m, ok := r.s.memberships[chatID][userID]
	if !ok {
		return counts, nil
	}
	switch status {
	case model.DeliveryStatusDelivered:
		if m.LastRecvMessageID < messageID {
			m.LastRecvMessageID = messageID
			counts.ForUser = 1
		}
	case model.DeliveryStatusRead:
		if m.LastReadMessageID < messageID {
			m.LastReadMessageID = messageID
			counts.ForUser = 1
		}
		if m.LastRecvMessageID < messageID {
			m.LastRecvMessageID = messageID
		}
	}
	if forAll {
		for _, id := range r.s.messagesByChat[chatID] {
			if id > messageID {
				break
			}
			msg := r.s.messages[id]
			if msg.SenderID != nil && *msg.SenderID == userID {
				continue
			}
			if msg.DeliveryStatus.Rank() < status.Rank() {
				msg.DeliveryStatus = status
				counts.ForAll++
			}
		}
	}
	return counts, nil
}

func (r *messageRepo) RollbackUnread(_ context.Context, chatID, userID, messageID int64, forAll bool) (storage.StatusCounts, error) {
	var counts storage.StatusCounts
	m, ok := r.s.memberships[chatID][userID]
	if !ok {
		return counts, nil
	}
	if m.LastReadMessageID >= messageID {
		m.LastReadMessageID = messageID - 1
		counts.ForUser = 1
	}
	if forAll {
		for _, id := range r.s.messagesByChat[chatID] {
			if id < messageID {
				continue
			}
			msg := r.s.messages[id]
			if msg.DeliveryStatus == model.DeliveryStatusRead {
				msg.DeliveryStatus = model.DeliveryStatusDelivered
				counts.ForAll++
			}
		}
	}
	return counts, nil
}

func (r *messageRepo) AddReaction(_ context.Context, messageID, userID int64, emoji string) ([]model.Reaction, error) {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for i := range msg.Reactions {
		re := &msg.Reactions[i]
		if re.Emoji != emoji {
			continue
		}
		for _, uid := range re.UserIDs {
			if uid == userID {
				return copyReactions(msg.Reactions), nil
			}
		}
		re.UserIDs = append(re.UserIDs, userID)
		re.Count++
		return copyReactions(msg.Reactions), nil
	}
	msg.Reactions = append(msg.Reactions, model.Reaction{Emoji: emoji, Count: 1, UserIDs: []int64{userID}})
	return copyReactions(msg.Reactions), nil
}

func (r *messageRepo) RemoveReaction(_ context.Context, messageID, userID int64, emoji string) ([]model.Reaction, error) {
	msg, ok := r.s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for i := range msg.Reactions {
		re := &msg.Reactions[i]
		if re.Emoji != emoji {
			continue
		}
		for j, uid := range re.UserIDs {
			if uid == userID {
				re.UserIDs = append(re.UserIDs[:j], re.UserIDs[j+1:]...)
				re.Count--
				break
			}
		}
		if re.Count <= 0 {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
		}
		break
	}
	return copyReactions(msg.Reactions), nil
}

func copyReactions(in []model.Reaction) []model.Reaction {
	out := make([]model.Reaction, len(in))
	for i, re := range in {
		out[i] = re
		out[i].UserIDs = append([]int64(nil), re.UserIDs...)
	}
	return out
}

type ticketRepo tx

func (r *ticketRepo) ByID(_ context.Context, ticketID int64) (*model.Ticket, error) {
	t, ok := r.s.tickets[ticketID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (r *ticketRepo) ByChatID(_ context.Context, chatID int64) (*model.Ticket, error) {
	for _, t := range r.s.tickets {
		if t.ChatID == chatID {
			out := *t
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *ticketRepo) SetStatus(_ context.Context, ticketID int64, status model.TicketStatus, _ int64) (*model.Ticket, error) {
	t, ok := r.s.tickets[ticketID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now()
	t.Status = status
	t.UpdatedAt = &now
	out := *t
	return &out, nil
}

type counterRepo tx

func (r *counterRepo) unreadInChat(userID, chatID int64) int64 {
	m, ok := r.s.memberships[chatID][userID]
	if !ok {
		return 0
	}
	var n int64
	for _, id := range r.s.messagesByChat[chatID] {
		if id <= m.LastReadMessageID {
			continue
		}
		if m.FirstAvailableMessageID != nil && id < *m.FirstAvailableMessageID {
			continue
		}
		if m.LastAvailableMessageID != nil && id > *m.LastAvailableMessageID {
			continue
		}
		msg := r.s.messages[id]
		if msg.SenderID != nil && *msg.SenderID == userID {
			continue
		}
		if msg.DeletedAt != nil {
			continue
		}
		n++
	}
	return n
}

func (r *counterRepo) UnreadByChats(_ context.Context, userID int64, chatIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(chatIDs))
	for _, chatID := range chatIDs {
		out[chatID] = r.unreadInChat(userID, chatID)
	}
	return out, nil
}

func (r *counterRepo) UnreadByMatches(_ context.Context, userID int64, matchIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(matchIDs))
	for _, matchID := range matchIDs {
		out[matchID] = 0
	}
	for chatID, chat := range r.s.chats {
		if chat.MatchID == nil {
			continue
		}
		if _, wanted := out[*chat.MatchID]; !wanted {
			continue
		}
		out[*chat.MatchID] += r.unreadInChat(userID, chatID)
	}
	return out, nil
}

func (r *counterRepo) UnreadTotal(_ context.Context, userID int64) (int64, error) {
	var total int64
	for chatID, members := range r.s.memberships {
		if _, ok := members[userID]; ok {
			total += r.unreadInChat(userID, chatID)
		}
	}
	return total, nil
}
