package model

import "time"

type ChatType string

const (
	ChatTypePersonal ChatType = "personal"
	ChatTypeMatch    ChatType = "match"
	ChatTypeTicket   ChatType = "ticket"
)

type Chat struct {
	ID          int64      `json:"id"`
	ChatType    ChatType   `json:"chat_type"`
	MatchID     *int64     `json:"match_id,omitempty"`
	TicketID    *int64     `json:"ticket_id,omitempty"`
	IsClosed    bool       `json:"is_closed"`
	CloseReason string     `json:"close_reason,omitempty"`
	Version     int64      `json:"version"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// ChatMembership relates a user to a chat together with the permissions
// and delivery cursors the user holds in it.
type ChatMembership struct {
	ChatID             int64     `json:"chat_id"`
	UserID             int64     `json:"user_id"`
	Role               Role      `json:"role"`
	HasWritePermission bool      `json:"has_write_permission"`
	HasReadPermission  bool      `json:"has_read_permission"`
	IsPrimary          bool      `json:"is_primary"`
	LastReadMessageID  int64     `json:"last_read_message_id"`
	LastRecvMessageID  int64     `json:"last_received_message_id"`
	// Visibility window: members who join late must not see prior history.
	FirstAvailableMessageID *int64    `json:"first_available_message_id,omitempty"`
	LastAvailableMessageID  *int64    `json:"last_available_message_id,omitempty"`
	JoinedAt                time.Time `json:"joined_at"`
}

type ChatUser struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}
