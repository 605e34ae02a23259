package updates

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/counters"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/protocol"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/storage"
)

// PushStream receives notification jobs for the external push service.
// The core only enqueues; delivery happens elsewhere.
const PushStream = "push_notifications"

// Handlers resolves fanout targets for each update type and hands the
// serialized frames to the dispatcher.
type Handlers struct {
	store      storage.Store
	counters   *counters.Counters
	registry   *registry.Registry
	dispatcher *Dispatcher
	broker     broker.Broker
}

func NewHandlers(store storage.Store, c *counters.Counters, reg *registry.Registry, d *Dispatcher, b broker.Broker) *Handlers {
	return &Handlers{store: store, counters: c, registry: reg, dispatcher: d, broker: b}
}

// Table binds every update type to its handler. Built once at wiring so
// the routing is visible and testable in isolation.
func (h *Handlers) Table() map[Type]HandlerEntry {
	return map[Type]HandlerEntry{
		TypeMessageSent:           {Handle: h.MessageSent},
		TypeDeliveryStatusChanged: {Handle: h.DeliveryStatusChanged},
		TypeMessageEdited:         {Handle: h.MessageEdited},
		TypeMessageDeleted:        {Handle: h.MessageDeleted},
		TypeReactionUpdated:       {Handle: h.ReactionUpdated},
		TypeUserIsTyping:          {Handle: h.UserIsTyping, TimeSensitive: true},
		TypePresenceChanged:       {Handle: h.PresenceChanged, TimeSensitive: true},
		TypeChatCreated:           {Handle: h.ChatCreated},
		TypeTicketCreated:         {Handle: h.TicketCreated},
		TypeTicketStatusChanged:   {Handle: h.TicketStatusChanged},
		TypeMatchStateChanged:     {Handle: h.MatchStateChanged},
	}
}

// MessageSent fans a new message out to all chat members except the
// originating connection, invalidates the affected unread counters, pushes
// fresh counter frames to everyone but the sender, and enqueues a push
// notification job for user-authored content.
func (h *Handlers) MessageSent(ctx context.Context, u *Update) error {
	msg := u.MessageSent.Message

	var (
		chat      *model.Chat
		memberIDs []int64
	)
	err := h.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		chat, err = tx.Chats().ByID(ctx, msg.ChatID)
		if err != nil {
			return err
		}
		memberIDs, err = tx.Chats().MemberIDs(ctx, msg.ChatID)
		return err
	})
	if err != nil {
		return fmt.Errorf("updates.MessageSent chat=%d: %w", msg.ChatID, err)
	}

	h.counters.InvalidateMessage(ctx, chat.ID, chat.MatchID, memberIDs)

	frame, err := protocol.EncodeUpdate(&protocol.ServerUpdate{
		Type:            protocol.UpdateMessageReceived,
		MessageReceived: &protocol.MessageReceivedUpdate{Message: msg.ForWire()},
	})
	if err != nil {
		return fmt.Errorf("updates.MessageSent encode: %w", err)
	}
	targets, err := h.registry.ResolveConnections(ctx, memberIDs, u.ConnectionID)
	if err != nil {
		return fmt.Errorf("updates.MessageSent resolve: %w", err)
	}
	h.dispatcher.Dispatch(ctx, targets, frame)

	h.pushCounters(ctx, chat, memberIDs, msg.SenderID, targets)

	if msg.SenderID != nil {
		h.enqueuePush(ctx, &msg)
	}
	return nil
}

// pushCounters sends per-user unread counter frames to every member except
// the message author, reusing the already-resolved connection set.
func (h *Handlers) pushCounters(ctx context.Context, chat *model.Chat, memberIDs []int64, senderID *int64, targets []registry.ConnRef) {
	byUser := make(map[int64][]registry.ConnRef)
	for _, ref := range targets {
		byUser[ref.UserID] = append(byUser[ref.UserID], ref)
	}
	for _, uid := range memberIDs {
		if senderID != nil && uid == *senderID {
			continue
		}
		refs := byUser[uid]
		if len(refs) == 0 {
			continue
		}
		n, err := h.counters.ByChat(ctx, uid, chat.ID)
		if err != nil {
			logger.Errorf("updates: counters user=%d chat=%d: %v", uid, chat.ID, err)
			continue
		}
		total, err := h.counters.Total(ctx, uid)
		if err != nil {
			logger.Errorf("updates: counters total user=%d: %v", uid, err)
			continue
		}
		upd := &protocol.ServerUpdate{
			Type: protocol.UpdateUnreadCounters,
			UnreadCounters: &protocol.UnreadCountersUpdate{
				ByChat: map[int64]int64{chat.ID: n},
				Total:  &total,
			},
		}
		if chat.MatchID != nil {
			if m, err := h.counters.ByMatch(ctx, uid, *chat.MatchID); err == nil {
				upd.UnreadCounters.ByMatch = map[int64]int64{*chat.MatchID: m}
			}
		}
		frame, err := protocol.EncodeUpdate(upd)
		if err != nil {
			logger.Errorf("updates: encode counters user=%d: %v", uid, err)
			continue
		}
		h.dispatcher.Dispatch(ctx, refs, frame)
	}
}

type pushJob struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	SenderID  int64  `json:"sender_id"`
	Preview   string `json:"preview,omitempty"`
}

func (h *Handlers) enqueuePush(ctx context.Context, msg *model.Message) {
	job := pushJob{MessageID: msg.ID, ChatID: msg.ChatID, SenderID: *msg.SenderID}
	if msg.Content.Text != nil {
		job.Preview = msg.Content.Text.Text
	}
	payload, err := json.Marshal(job)
	if err != nil {
		logger.Errorf("updates: marshal push job message=%d: %v", msg.ID, err)
		return
	}
	if err := h.broker.Append(ctx, PushStream, payload); err != nil {
		logger.Errorf("updates: enqueue push message=%d: %v", msg.ID, err)
	}
}

// DeliveryStatusChanged tells the initiator's other connections about the
// cursor move and, when the chat-wide aggregate advanced, the remaining
// members about the for-all change.
func (h *Handlers) DeliveryStatusChanged(ctx context.Context, u *Update) error {
	p := u.DeliveryStatusChanged

	memberIDs, err := h.memberIDs(ctx, p.ChatID)
	if err != nil {
		return fmt.Errorf("updates.DeliveryStatusChanged chat=%d: %w", p.ChatID, err)
	}
	h.counters.InvalidateMessage(ctx, p.ChatID, p.MatchID, []int64{p.UserID})
	if p.ForAll && p.UpdatedForAll > 0 {
		h.counters.InvalidateMessage(ctx, p.ChatID, p.MatchID, memberIDs)
	}

	frame, err := protocol.EncodeUpdate(&protocol.ServerUpdate{
		Type: protocol.UpdateDeliveryStatusChanged,
		DeliveryStatusChanged: &protocol.DeliveryStatusChangedUpdate{
			ChatID:    p.ChatID,
			UserID:    p.UserID,
			MessageID: p.MessageID,
			Status:    p.Status,
			ForAll:    p.ForAll,
		},
	})
	if err != nil {
		return fmt.Errorf("updates.DeliveryStatusChanged encode: %w", err)
	}

	if p.UpdatedForUser > 0 {
		// The initiator's other devices sync their cursors.
		own, err := h.registry.ResolveConnections(ctx, []int64{p.UserID}, u.ConnectionID)
		if err != nil {
			return fmt.Errorf("updates.DeliveryStatusChanged resolve: %w", err)
		}
		h.dispatcher.Dispatch(ctx, own, frame)
	}
	if p.ForAll && p.UpdatedForAll > 0 {
		others := make([]int64, 0, len(memberIDs))
		for _, uid := range memberIDs {
			if uid != p.UserID {
				others = append(others, uid)
			}
		}
		targets, err := h.registry.ResolveConnections(ctx, others, u.ConnectionID)
		if err != nil {
			return fmt.Errorf("updates.DeliveryStatusChanged resolve others: %w", err)
		}
		h.dispatcher.Dispatch(ctx, targets, frame)
	}
	return nil
}

func (h *Handlers) MessageEdited(ctx context.Context, u *Update) error {
	msg := u.MessageEdited.Message
	return h.fanoutToChat(ctx, msg.ChatID, u.ConnectionID, &protocol.ServerUpdate{
		Type:          protocol.UpdateMessageEdited,
		MessageEdited: &protocol.MessageEditedUpdate{Message: msg.ForWire()},
	})
}

func (h *Handlers) MessageDeleted(ctx context.Context, u *Update) error {
	p := u.MessageDeleted
	return h.fanoutToChat(ctx, p.ChatID, u.ConnectionID, &protocol.ServerUpdate{
		Type:           protocol.UpdateMessageDeleted,
		MessageDeleted: &protocol.MessageDeletedUpdate{ChatID: p.ChatID, MessageID: p.MessageID},
	})
}

func (h *Handlers) ReactionUpdated(ctx context.Context, u *Update) error {
	p := u.ReactionUpdated
	return h.fanoutToChat(ctx, p.ChatID, u.ConnectionID, &protocol.ServerUpdate{
		Type: protocol.UpdateReactionUpdated,
		ReactionUpdated: &protocol.ReactionUpdatedUpdate{
			ChatID:    p.ChatID,
			MessageID: p.MessageID,
			Reactions: p.Reactions,
		},
	})
}

func (h *Handlers) UserIsTyping(ctx context.Context, u *Update) error {
	p := u.UserIsTyping
	memberIDs, err := h.memberIDs(ctx, p.ChatID)
	if err != nil {
		return fmt.Errorf("updates.UserIsTyping chat=%d: %w", p.ChatID, err)
	}
	// The typing user's own devices do not need the indicator.
	others := make([]int64, 0, len(memberIDs))
	for _, uid := range memberIDs {
		if uid != p.UserID {
			others = append(others, uid)
		}
	}
	frame, err := protocol.EncodeUpdate(&protocol.ServerUpdate{
		Type:         protocol.UpdateUserIsTyping,
		UserIsTyping: &protocol.UserIsTypingUpdate{ChatID: p.ChatID, UserID: p.UserID},
	})
	if err != nil {
		return fmt.Errorf("updates.UserIsTyping encode: %w", err)
	}
	targets, err := h.registry.ResolveConnections(ctx, others, u.ConnectionID)
	if err != nil {
		return fmt.Errorf("updates.UserIsTyping resolve: %w", err)
	}
	h.dispatcher.Dispatch(ctx, targets, frame)
	return nil
}

// PresenceChanged fans out to everyone sharing a chat with the user.
func (h *Handlers) PresenceChanged(ctx context.Context, u *Update) error {
	p := u.PresenceChanged

	peerSet := make(map[int64]struct{})
	err := h.store.WithTx(ctx, func(tx storage.Tx) error {
		chatIDs, err := tx.Chats().ChatIDsOfUser(ctx, p.UserID)
		if err != nil {
			return err
		}
		for _, chatID := range chatIDs {
			members, err := tx.Chats().MemberIDs(ctx, chatID)
			if err != nil {
				return err
			}
			for _, uid := range members {
				if uid != p.UserID {
					peerSet[uid] = struct{}{}
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updates.PresenceChanged user=%d: %w", p.UserID, err)
	}
	peers := make([]int64, 0, len(peerSet))
	for uid := range peerSet {
		peers = append(peers, uid)
	}

	frame, err := protocol.EncodeUpdate(&protocol.ServerUpdate{
		Type:            protocol.UpdatePresenceChanged,
		PresenceChanged: &protocol.PresenceChangedUpdate{UserID: p.UserID, Status: p.Status},
	})
	if err != nil {
		return fmt.Errorf("updates.PresenceChanged encode: %w", err)
	}
	targets, err := h.registry.ResolveConnections(ctx, peers)
	if err != nil {
		return fmt.Errorf("updates.PresenceChanged resolve: %w", err)
	}
	h.dispatcher.Dispatch(ctx, targets, frame)
	return nil
}

func (h *Handlers) ChatCreated(ctx context.Context, u *Update) error {
	chat := u.ChatCreated.Chat
	return h.fanoutToChat(ctx, chat.ID, "", &protocol.ServerUpdate{
		Type:        protocol.UpdateChatCreated,
		ChatCreated: &protocol.ChatCreatedUpdate{Chat: chat},
	})
}

func (h *Handlers) TicketCreated(ctx context.Context, u *Update) error {
	ticket := u.TicketCreated.Ticket
	return h.fanoutToChat(ctx, ticket.ChatID, "", &protocol.ServerUpdate{
		Type:          protocol.UpdateTicketCreated,
		TicketCreated: &protocol.TicketCreatedUpdate{Ticket: ticket},
	})
}

func (h *Handlers) TicketStatusChanged(ctx context.Context, u *Update) error {
	p := u.TicketStatusChanged
	var ticket *model.Ticket
	err := h.store.WithTx(ctx, func(tx storage.Tx) error {
		current, err := tx.Tickets().ByID(ctx, p.TicketID)
		if err != nil {
			return err
		}
		if !current.CanTransitionBy(p.Status, p.ActorID, p.ActorRole) {
			return fmt.Errorf("transition %s -> %s by user=%d role=%s rejected",
				current.Status, p.Status, p.ActorID, p.ActorRole)
		}
		ticket, err = tx.Tickets().SetStatus(ctx, p.TicketID, p.Status, p.ActorID)
		return err
	})
	if err != nil {
		return fmt.Errorf("updates.TicketStatusChanged ticket=%d: %w", p.TicketID, err)
	}
	return h.fanoutToChat(ctx, ticket.ChatID, "", &protocol.ServerUpdate{
		Type: protocol.UpdateTicketStatusChanged,
		TicketStatusChanged: &protocol.TicketStatusChangedUpdate{
			TicketID: ticket.ID,
			Status:   ticket.Status,
		},
	})
}

func (h *Handlers) MatchStateChanged(ctx context.Context, u *Update) error {
	p := u.MatchStateChanged
	var memberIDs []int64
	err := h.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		memberIDs, err = tx.Chats().MemberIDsByMatch(ctx, p.MatchID)
		return err
	})
	if err != nil {
		return fmt.Errorf("updates.MatchStateChanged match=%d: %w", p.MatchID, err)
	}
	frame, err := protocol.EncodeUpdate(&protocol.ServerUpdate{
		Type:              protocol.UpdateMatchStateChanged,
		MatchStateChanged: &protocol.MatchStateChangedUpdate{MatchID: p.MatchID, State: p.State},
	})
	if err != nil {
		return fmt.Errorf("updates.MatchStateChanged encode: %w", err)
	}
	targets, err := h.registry.ResolveConnections(ctx, memberIDs)
	if err != nil {
		return fmt.Errorf("updates.MatchStateChanged resolve: %w", err)
	}
	h.dispatcher.Dispatch(ctx, targets, frame)
	return nil
}

func (h *Handlers) memberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	var out []int64
	err := h.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.Chats().MemberIDs(ctx, chatID)
		return err
	})
	return out, err
}

func (h *Handlers) fanoutToChat(ctx context.Context, chatID int64, excludeConn string, upd *protocol.ServerUpdate) error {
	memberIDs, err := h.memberIDs(ctx, chatID)
	if err != nil {
		return fmt.Errorf("updates.fanout chat=%d: %w", chatID, err)
	}
	frame, err := protocol.EncodeUpdate(upd)
	if err != nil {
		return fmt.Errorf("updates.fanout encode: %w", err)
	}
	var exclude []string
	if excludeConn != "" {
		exclude = append(exclude, excludeConn)
	}
	targets, err := h.registry.ResolveConnections(ctx, memberIDs, exclude...)
	if err != nil {
		return fmt.Errorf("updates.fanout resolve: %w", err)
	}
	h.dispatcher.Dispatch(ctx, targets, frame)
	return nil
}
