// Package updates carries cross-process service updates: the envelope that
// travels through the durable stream, the publisher that appends to it, and
// the listener/dispatcher pair that fans updates out to live connections.
package updates

import (
	"context"
	"time"

	"github.com/sportlevel/messenger/internal/model"
)

type Type string

const (
	TypeMessageSent           Type = "message_sent"
	TypeDeliveryStatusChanged Type = "delivery_status_changed"
	TypeMessageEdited         Type = "message_edited"
	TypeMessageDeleted        Type = "message_deleted"
	TypeReactionUpdated       Type = "reaction_updated"
	TypeUserIsTyping          Type = "user_is_typing"
	TypePresenceChanged       Type = "presence_changed"
	TypeChatCreated           Type = "chat_created"
	TypeTicketCreated         Type = "ticket_created"
	TypeTicketStatusChanged   Type = "ticket_status_changed"
	TypeMatchStateChanged     Type = "match_state_changed"
)

type MessageSentPayload struct {
	Message model.Message `json:"message"`
}

type DeliveryStatusChangedPayload struct {
	ChatID    int64                `json:"chat_id"`
	MatchID   *int64               `json:"match_id,omitempty"`
	UserID    int64                `json:"user_id"`
	MessageID int64                `json:"message_id"`
	Status    model.DeliveryStatus `json:"status"`
	ForAll    bool                 `json:"for_all"`
	// UpdatedForUser and UpdatedForAll are the row counts the status write
	// touched; fanouts are skipped when nothing actually advanced.
	UpdatedForUser int64 `json:"updated_for_user"`
	UpdatedForAll  int64 `json:"updated_for_all"`
}

type MessageEditedPayload struct {
	Message model.Message `json:"message"`
}

type MessageDeletedPayload struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type ReactionUpdatedPayload struct {
	ChatID    int64            `json:"chat_id"`
	MessageID int64            `json:"message_id"`
	Reactions []model.Reaction `json:"reactions"`
}

type UserIsTypingPayload struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

type PresenceChangedPayload struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

type ChatCreatedPayload struct {
	Chat model.Chat `json:"chat"`
}

type TicketCreatedPayload struct {
	Ticket model.Ticket `json:"ticket"`
}

// TicketStatusChangedPayload carries the requested transition, not the
// resulting row: the handler validates it against the stored ticket and
// persists it before fanning out.
type TicketStatusChangedPayload struct {
	TicketID  int64              `json:"ticket_id"`
	Status    model.TicketStatus `json:"status"`
	ActorID   int64              `json:"actor_id"`
	ActorRole model.Role         `json:"actor_role"`
}

type MatchStateChangedPayload struct {
	MatchID int64  `json:"match_id"`
	State   string `json:"state"`
}

// Update is the stream envelope. CreatedAt feeds the overtime check for
// time-sensitive handlers; ConnectionID marks the originating connection
// for echo suppression. Exactly one payload is non-nil.
type Update struct {
	Type         Type   `json:"type"`
	CreatedAt    int64  `json:"created_at"` // unix milliseconds
	ConnectionID string `json:"connection_id,omitempty"`

	MessageSent           *MessageSentPayload           `json:"message_sent,omitempty"`
	DeliveryStatusChanged *DeliveryStatusChangedPayload `json:"delivery_status_changed,omitempty"`
	MessageEdited         *MessageEditedPayload         `json:"message_edited,omitempty"`
	MessageDeleted        *MessageDeletedPayload        `json:"message_deleted,omitempty"`
	ReactionUpdated       *ReactionUpdatedPayload       `json:"reaction_updated,omitempty"`
	UserIsTyping          *UserIsTypingPayload          `json:"user_is_typing,omitempty"`
	PresenceChanged       *PresenceChangedPayload       `json:"presence_changed,omitempty"`
	ChatCreated           *ChatCreatedPayload           `json:"chat_created,omitempty"`
	TicketCreated         *TicketCreatedPayload         `json:"ticket_created,omitempty"`
	TicketStatusChanged   *TicketStatusChangedPayload   `json:"ticket_status_changed,omitempty"`
	MatchStateChanged     *MatchStateChangedPayload     `json:"match_state_changed,omitempty"`
}

// Age reports how long ago the update was created.
func (u *Update) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(u.CreatedAt))
}

func newUpdate(t Type, connectionID string) Update {
	return Update{Type: t, CreatedAt: time.Now().UnixMilli(), ConnectionID: connectionID}
}

func NewMessageSent(msg model.Message, connectionID string) Update {
	u := newUpdate(TypeMessageSent, connectionID)
	u.MessageSent = &MessageSentPayload{Message: msg}
	return u
}

func NewDeliveryStatusChanged(p DeliveryStatusChangedPayload, connectionID string) Update {
	u := newUpdate(TypeDeliveryStatusChanged, connectionID)
	u.DeliveryStatusChanged = &p
	return u
}

func NewMessageEdited(msg model.Message, connectionID string) Update {
	u := newUpdate(TypeMessageEdited, connectionID)
	u.MessageEdited = &MessageEditedPayload{Message: msg}
	return u
}

func NewMessageDeleted(chatID, messageID int64, connectionID string) Update {
	u := newUpdate(TypeMessageDeleted, connectionID)
	u.MessageDeleted = &MessageDeletedPayload{ChatID: chatID, MessageID: messageID}
	return u
}

func NewReactionUpdated(chatID, messageID int64, reactions []model.Reaction, connectionID string) Update {
	u := newUpdate(TypeReactionUpdated, connectionID)
	u.ReactionUpdated = &ReactionUpdatedPayload{ChatID: chatID, MessageID: messageID, Reactions: reactions}
	return u
}

func NewUserIsTyping(chatID, userID int64, connectionID string) Update {
	u := newUpdate(TypeUserIsTyping, connectionID)
	u.UserIsTyping = &UserIsTypingPayload{ChatID: chatID, UserID: userID}
	return u
}

func NewPresenceChanged(userID int64, status string) Update {
	u := newUpdate(TypePresenceChanged, "")
	u.PresenceChanged = &PresenceChangedPayload{UserID: userID, Status: status}
	return u
}

func NewChatCreated(chat model.Chat) Update {
	u := newUpdate(TypeChatCreated, "")
	u.ChatCreated = &ChatCreatedPayload{Chat: chat}
	return u
}

func NewTicketCreated(ticket model.Ticket) Update {
	u := newUpdate(TypeTicketCreated, "")
	u.TicketCreated = &TicketCreatedPayload{Ticket: ticket}
	return u
}

func NewTicketStatusChanged(ticketID int64, status model.TicketStatus, actorID int64, actorRole model.Role) Update {
	u := newUpdate(TypeTicketStatusChanged, "")
	u.TicketStatusChanged = &TicketStatusChangedPayload{
		TicketID:  ticketID,
		Status:    status,
		ActorID:   actorID,
		ActorRole: actorRole,
	}
	return u
}

func NewMatchStateChanged(matchID int64, state string) Update {
	u := newUpdate(TypeMatchStateChanged, "")
	u.MatchStateChanged = &MatchStateChangedPayload{MatchID: matchID, State: state}
	return u
}

// Publisher appends service updates to the durable stream. Implemented by
// StreamPublisher; narrow so handlers and the presence tracker can be
// tested with a recording fake.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}
