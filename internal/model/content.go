package model

import (
	"errors"
	"unicode/utf8"
)

// MaxTextLength bounds message text, in runes.
const MaxTextLength = 5000

type ContentType string

const (
	ContentTypeText ContentType = "text"
	ContentTypeFile ContentType = "file"
	// System notification variants. Sender is nil for all of them.
	ContentTypeChatCreated         ContentType = "chat_created"
	ContentTypeChatClosed          ContentType = "chat_closed"
	ContentTypeChatOpened          ContentType = "chat_opened"
	ContentTypeUserJoined          ContentType = "user_joined"
	ContentTypeUserLeft            ContentType = "user_left"
	ContentTypeTicketCreated       ContentType = "ticket_created"
	ContentTypeTicketClosed        ContentType = "ticket_closed"
	ContentTypeTicketStatusChanged ContentType = "ticket_status_changed"
	ContentTypeUnsupported         ContentType = "unsupported"
)

var (
	ErrContentEmpty       = errors.New("model: content has no variant set")
	ErrContentAmbiguous   = errors.New("model: content has multiple variants set")
	ErrContentUnsupported = errors.New("model: unsupported content variant")
	ErrTextTooLong        = errors.New("model: text exceeds maximum length")
)

type TextContent struct {
	Text string `json:"text"`
}

type FileContent struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type,omitempty"`
}

type ChatEventContent struct {
	ChatID int64  `json:"chat_id"`
	Reason string `json:"reason,omitempty"`
}

type UserEventContent struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

type TicketEventContent struct {
	TicketID int64        `json:"ticket_id"`
	Status   TicketStatus `json:"status,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Content is a tagged union. Exactly one variant pointer is non-nil and
// must agree with Type.
type Content struct {
	Type        ContentType         `json:"type"`
	Text        *TextContent        `json:"text,omitempty"`
	File        *FileContent        `json:"file,omitempty"`
	ChatEvent   *ChatEventContent   `json:"chat_event,omitempty"`
	UserEvent   *UserEventContent   `json:"user_event,omitempty"`
	TicketEvent *TicketEventContent `json:"ticket_event,omitempty"`
}

func NewTextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: &TextContent{Text: text}}
}

func NewFileContent(f FileContent) Content {
	return Content{Type: ContentTypeFile, File: &f}
}

// Validate checks that exactly one variant is set, that it matches Type,
// and that user-supplied limits hold. Unsupported variants are rejected so
// client commands cannot fabricate system notifications.
func (c Content) Validate() error {
	set := 0
	for _, ok := range []bool{c.Text != nil, c.File != nil, c.ChatEvent != nil, c.UserEvent != nil, c.TicketEvent != nil} {
		if ok {
			set++
		}
	}
	if set == 0 {
		return ErrContentEmpty
	}
	if set > 1 {
		return ErrContentAmbiguous
	}
	switch c.Type {
	case ContentTypeText:
		if c.Text == nil {
			return ErrContentUnsupported
		}
		if utf8.RuneCountInString(c.Text.Text) > MaxTextLength {
			return ErrTextTooLong
		}
		return nil
	case ContentTypeFile:
		if c.File == nil {
			return ErrContentUnsupported
		}
		return nil
	default:
		return ErrContentUnsupported
	}
}

// IsSystem reports whether the content is a system-generated notification.
func (c Content) IsSystem() bool {
	switch c.Type {
	case ContentTypeText, ContentTypeFile:
		return false
	}
	return true
}
