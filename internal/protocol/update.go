package protocol

import "github.com/sportlevel/messenger/internal/model"

type UpdateType string

const (
	UpdateMessageReceived       UpdateType = "message_received"
	UpdateMessageSent           UpdateType = "message_sent"
	UpdateMessageSendFailed     UpdateType = "message_send_failed"
	UpdateDeliveryStatusChanged UpdateType = "delivery_status_changed"
	UpdateMessageEdited         UpdateType = "message_edited"
	UpdateMessageDeleted        UpdateType = "message_deleted"
	UpdateReactionUpdated       UpdateType = "reaction_updated"
	UpdateUserIsTyping          UpdateType = "user_is_typing"
	UpdatePresenceChanged       UpdateType = "presence_changed"
	UpdateChatCreated           UpdateType = "chat_created"
	UpdateTicketCreated         UpdateType = "ticket_created"
	UpdateTicketStatusChanged   UpdateType = "ticket_status_changed"
	UpdateMatchStateChanged     UpdateType = "match_state_changed"
	UpdateErrorOccurred         UpdateType = "error_occurred"
	UpdateUnreadCounters        UpdateType = "unread_counters"
)

// ErrorCode is the machine-readable code carried by error frames.
type ErrorCode string

const (
	ErrorCodeValidation   ErrorCode = "validation_error"
	ErrorCodeNotPermitted ErrorCode = "not_permitted"
	ErrorCodeServer       ErrorCode = "server_error"
)

// ErrorReason distinguishes who is at fault for an error frame.
type ErrorReason string

const (
	ErrorReasonClient ErrorReason = "CLIENT"
	ErrorReasonServer ErrorReason = "SERVER"
)

// MessageReceivedUpdate delivers a new message to chat members.
type MessageReceivedUpdate struct {
	Message model.Message `json:"message"`
}

// MessageSentUpdate is the synchronous confirmation to the sender, tying the
// client-supplied temporary id to the server-assigned message id.
type MessageSentUpdate struct {
	TemporaryID string `json:"temporary_id"`
	MessageID   int64  `json:"message_id"`
}

type MessageSendFailedUpdate struct {
	TemporaryID string    `json:"temporary_id"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
}

type DeliveryStatusChangedUpdate struct {
	ChatID    int64                `json:"chat_id"`
	UserID    int64                `json:"user_id"`
	MessageID int64                `json:"message_id"`
	Status    model.DeliveryStatus `json:"status"`
	// ForAll is true when the chat-wide aggregate advanced, not just the
	// acting user's own cursor.
	ForAll bool `json:"for_all"`
}

type MessageEditedUpdate struct {
	Message model.Message `json:"message"`
}

type MessageDeletedUpdate struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type ReactionUpdatedUpdate struct {
	ChatID    int64            `json:"chat_id"`
	MessageID int64            `json:"message_id"`
	Reactions []model.Reaction `json:"reactions"`
}

type UserIsTypingUpdate struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

type PresenceChangedUpdate struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

type ChatCreatedUpdate struct {
	Chat model.Chat `json:"chat"`
}

type TicketCreatedUpdate struct {
	Ticket model.Ticket `json:"ticket"`
}

type TicketStatusChangedUpdate struct {
	TicketID int64              `json:"ticket_id"`
	Status   model.TicketStatus `json:"status"`
}

type MatchStateChangedUpdate struct {
	MatchID int64  `json:"match_id"`
	State   string `json:"state"`
}

type ErrorOccurredUpdate struct {
	Code        ErrorCode   `json:"code"`
	Message     string      `json:"message"`
	Reason      ErrorReason `json:"reason"`
	TemporaryID string      `json:"temporary_id,omitempty"`
}

type UnreadCountersUpdate struct {
	ByChat  map[int64]int64 `json:"by_chat,omitempty"`
	ByMatch map[int64]int64 `json:"by_match,omitempty"`
	Total   *int64          `json:"total,omitempty"`
}

// ServerUpdate is the outbound envelope. Exactly one variant is non-nil.
type ServerUpdate struct {
	Type UpdateType `json:"type"`

	MessageReceived       *MessageReceivedUpdate       `json:"message_received,omitempty"`
	MessageSent           *MessageSentUpdate           `json:"message_sent,omitempty"`
	MessageSendFailed     *MessageSendFailedUpdate     `json:"message_send_failed,omitempty"`
	DeliveryStatusChanged *DeliveryStatusChangedUpdate `json:"delivery_status_changed,omitempty"`
	MessageEdited         *MessageEditedUpdate         `json:"message_edited,omitempty"`
	MessageDeleted        *MessageDeletedUpdate        `json:"message_deleted,omitempty"`
	ReactionUpdated       *ReactionUpdatedUpdate       `json:"reaction_updated,omitempty"`
	UserIsTyping          *UserIsTypingUpdate          `json:"user_is_typing,omitempty"`
	PresenceChanged       *PresenceChangedUpdate       `json:"presence_changed,omitempty"`
	ChatCreated           *ChatCreatedUpdate           `json:"chat_created,omitempty"`
	TicketCreated         *TicketCreatedUpdate         `json:"ticket_created,omitempty"`
	TicketStatusChanged   *TicketStatusChangedUpdate   `json:"ticket_status_changed,omitempty"`
	MatchStateChanged     *MatchStateChangedUpdate     `json:"match_state_changed,omitempty"`
	ErrorOccurred         *ErrorOccurredUpdate         `json:"error_occurred,omitempty"`
	UnreadCounters        *UnreadCountersUpdate        `json:"unread_counters,omitempty"`
}

// Kind returns the type tag of the variant that is set.
func (u *ServerUpdate) Kind() (UpdateType, error) {
	var kind UpdateType
	set := 0
	if u.MessageReceived != nil {
		kind, set = UpdateMessageReceived, set+1
	}
	if u.MessageSent != nil {
		kind, set = UpdateMessageSent, set+1
	}
	if u.MessageSendFailed != nil {
		kind, set = UpdateMessageSendFailed, set+1
	}
	if u.DeliveryStatusChanged != nil {
		kind, set = UpdateDeliveryStatusChanged, set+1
	}
	if u.MessageEdited != nil {
		kind, set = UpdateMessageEdited, set+1
	}
	if u.MessageDeleted != nil {
		kind, set = UpdateMessageDeleted, set+1
	}
	if u.ReactionUpdated != nil {
		kind, set = UpdateReactionUpdated, set+1
	}
	if u.UserIsTyping != nil {
		kind, set = UpdateUserIsTyping, set+1
	}
	if u.PresenceChanged != nil {
		kind, set = UpdatePresenceChanged, set+1
	}
	if u.ChatCreated != nil {
		kind, set = UpdateChatCreated, set+1
	}
	if u.TicketCreated != nil {
		kind, set = UpdateTicketCreated, set+1
	}
	if u.TicketStatusChanged != nil {
		kind, set = UpdateTicketStatusChanged, set+1
	}
	if u.MatchStateChanged != nil {
		kind, set = UpdateMatchStateChanged, set+1
	}
	if u.ErrorOccurred != nil {
		kind, set = UpdateErrorOccurred, set+1
	}
	if u.UnreadCounters != nil {
		kind, set = UpdateUnreadCounters, set+1
	}
	switch set {
	case 0:
		return "", ErrNoVariant
	case 1:
		return kind, nil
	default:
		return "", ErrAmbiguousVariant
	}
}

// NewError builds an error frame for a recoverable command failure.
func NewError(code ErrorCode, msg string, reason ErrorReason) *ServerUpdate {
	u := &ServerUpdate{
		Type:          UpdateErrorOccurred,
		ErrorOccurred: &ErrorOccurredUpdate{Code: code, Message: msg, Reason: reason},
	}
	return u
}

// NewSendFailed builds the typed failure answer to a send command so the
// client can drop its optimistic message with the given temporary id.
func NewSendFailed(tempID string, code ErrorCode, msg string) *ServerUpdate {
	return &ServerUpdate{
		Type:              UpdateMessageSendFailed,
		MessageSendFailed: &MessageSendFailedUpdate{TemporaryID: tempID, Code: code, Message: msg},
	}
}
