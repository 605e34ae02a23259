package model

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
)

var deliveryRank = map[DeliveryStatus]int{
	DeliveryStatusPending:   0,
	DeliveryStatusSent:      1,
	DeliveryStatusDelivered: 2,
	DeliveryStatusRead:      3,
}

// Rank orders delivery statuses for monotonic advancement checks.
func (s DeliveryStatus) Rank() int {
	return deliveryRank[s]
}

type Message struct {
	ID             int64          `json:"id"`
	ChatID         int64          `json:"chat_id"`
	SenderID       *int64         `json:"sender_id,omitempty"` // nil for system notifications
	Content        Content        `json:"content"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ReplyToID      *int64         `json:"reply_to_id,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Reaction is an aggregated emoji reaction on a message.
type Reaction struct {
	Emoji   string  `json:"emoji"`
	Count   int     `json:"count"`
	UserIDs []int64 `json:"user_ids"`
}

func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// ForWire returns a copy safe to serialize to clients. Soft-deleted
// messages keep their tombstone but the content is suppressed.
func (m *Message) ForWire() Message {
	out := *m
	if m.IsDeleted() {
		out.Content = NewTextContent("")
		out.Reactions = nil
	}
	return out
}
