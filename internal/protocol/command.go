// Package protocol defines the wire envelopes exchanged with clients over
// websocket binary frames. Both directions are tagged unions: an envelope
// carries a type tag and exactly one variant payload, and decoding rejects
// frames where zero or several variants are set.
package protocol

import "github.com/sportlevel/messenger/internal/model"

type CommandType string

const (
	CommandSendMessage   CommandType = "send_message"
	CommandEditMessage   CommandType = "edit_message"
	CommandDeleteMessage CommandType = "delete_message"
	CommandMarkRead      CommandType = "mark_read"
	CommandMarkReceived  CommandType = "mark_received"
	CommandMarkUnread    CommandType = "mark_unread"
	CommandTyping        CommandType = "typing"
	CommandReaction      CommandType = "reaction"
	CommandDeviceAlive   CommandType = "device_alive"
)

type SendMessageCommand struct {
	TemporaryID string        `json:"temporary_id"`
	ChatID      int64         `json:"chat_id"`
	Content     model.Content `json:"content"`
	ReplyToID   *int64        `json:"reply_to_id,omitempty"`
}

type EditMessageCommand struct {
	MessageID int64         `json:"message_id"`
	Content   model.Content `json:"content"`
}

type DeleteMessageCommand struct {
	MessageID int64 `json:"message_id"`
}

type MarkReadCommand struct {
	MessageID int64 `json:"message_id"`
}

type MarkReceivedCommand struct {
	MessageID int64 `json:"message_id"`
}

type MarkUnreadCommand struct {
	MessageID int64 `json:"message_id"`
}

type TypingCommand struct {
	ChatID int64 `json:"chat_id"`
}

type ReactionOp string

const (
	ReactionAdd    ReactionOp = "add"
	ReactionRemove ReactionOp = "remove"
)

type ReactionCommand struct {
	MessageID int64      `json:"message_id"`
	Emoji     string     `json:"emoji"`
	Op        ReactionOp `json:"op"`
}

type DeviceAliveCommand struct{}

// ClientCommand is the inbound envelope. Exactly one variant is non-nil.
type ClientCommand struct {
	Type CommandType `json:"type"`

	SendMessage   *SendMessageCommand   `json:"send_message,omitempty"`
	EditMessage   *EditMessageCommand   `json:"edit_message,omitempty"`
	DeleteMessage *DeleteMessageCommand `json:"delete_message,omitempty"`
	MarkRead      *MarkReadCommand      `json:"mark_read,omitempty"`
	MarkReceived  *MarkReceivedCommand  `json:"mark_received,omitempty"`
	MarkUnread    *MarkUnreadCommand    `json:"mark_unread,omitempty"`
	Typing        *TypingCommand        `json:"typing,omitempty"`
	Reaction      *ReactionCommand      `json:"reaction,omitempty"`
	DeviceAlive   *DeviceAliveCommand   `json:"device_alive,omitempty"`
}

// Kind returns the type tag of the variant that is actually set, regardless
// of what the client put in the type field.
func (c *ClientCommand) Kind() (CommandType, error) {
	var kind CommandType
	set := 0
	if c.SendMessage != nil {
		kind, set = CommandSendMessage, set+1
	}
	if c.EditMessage != nil {
		kind, set = CommandEditMessage, set+1
	}
	if c.DeleteMessage != nil {
		kind, set = CommandDeleteMessage, set+1
	}
	if c.MarkRead != nil {
		kind, set = CommandMarkRead, set+1
	}
	if c.MarkReceived != nil {
		kind, set = CommandMarkReceived, set+1
	}
	if c.MarkUnread != nil {
		kind, set = CommandMarkUnread, set+1
	}
	if c.Typing != nil {
		kind, set = CommandTyping, set+1
	}
	if c.Reaction != nil {
		kind, set = CommandReaction, set+1
	}
	if c.DeviceAlive != nil {
		kind, set = CommandDeviceAlive, set+1
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
