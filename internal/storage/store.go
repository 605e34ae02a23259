// Package storage defines the transactional persistence contract the
// command handlers and the update listener run against. Implementations:
// postgres.Store (pgx) and memory.Store (for -dev and tests).
package storage

import (
	"context"
	"errors"

	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/permissions"
)

var ErrNotFound = errors.New("storage: not found")

// Store owns the connection pool. Every command handler runs its persist
// plus read-back inside one WithTx call so the pair is atomically
// consistent.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx groups the repositories bound to one open transaction.
type Tx interface {
	Chats() ChatRepo
	Messages() MessageRepo
	Tickets() TicketRepo
	Counters() CounterRepo
}

// StatusCounts reports how many rows a delivery-status write touched.
// ForUser covers the acting user's own cursor, ForAll the chat-wide rows.
type StatusCounts struct {
	ForUser int64
	ForAll  int64
}

type ChatRepo interface {
	ByID(ctx context.Context, chatID int64) (*model.Chat, error)
	ByMessageID(ctx context.Context, messageID int64) (*model.Chat, error)
	// Version increments on membership changes; the session keys its
	// membership cache on it.
	Version(ctx context.Context, chatID int64) (int64, error)
	// Snapshot never fails on a missing chat or membership; it reports
	// Found/IsMember instead.
	Snapshot(ctx context.Context, chatID, userID int64) (permissions.MembershipSnapshot, error)
	SnapshotByMessage(ctx context.Context, messageID, userID int64) (permissions.MembershipSnapshot, int64, error)
	Membership(ctx context.Context, chatID, userID int64) (*model.ChatMembership, error)
	MemberIDs(ctx context.Context, chatID int64) ([]int64, error)
	Members(ctx context.Context, chatID int64) ([]model.ChatUser, error)
	// ChatIDsOfUser lists the chats the user belongs to. Presence fanout
	// uses the member union of these.
	ChatIDsOfUser(ctx context.Context, userID int64) ([]int64, error)
	// MemberIDsByMatch unions the members of every chat linked to the
	// match. Match lifecycle updates fan out to this set.
	MemberIDsByMatch(ctx context.Context, matchID int64) ([]int64, error)
}

type MessageRepo interface {
	// Create assigns the monotonic message id and the initial sent status.
	Create(ctx context.Context, chatID int64, senderID *int64, content model.Content, replyToID *int64) (*model.Message, error)
	ByID(ctx context.Context, messageID int64) (*model.Message, error)
	UpdateContent(ctx context.Context, messageID int64, content model.Content) (*model.Message, error)
	SoftDelete(ctx context.Context, messageID int64) error
	// AdvanceStatus moves delivery state forward, never backward. The
	// for-user part advances the member's cursor; the for-all part runs
	// only when forAll is set and touches the chat-wide message rows.
	AdvanceStatus(ctx context.Context, chatID, userID, messageID int64, status model.DeliveryStatus, forAll bool) (StatusCounts, error)
	// RollbackUnread reverts read state to delivered from the given
	// message onward and moves the read cursor back before it.
	RollbackUnread(ctx context.Context, chatID, userID, messageID int64, forAll bool) (StatusCounts, error)
	AddReaction(ctx context.Context, messageID, userID int64, emoji string) ([]model.Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) ([]model.Reaction, error)
}

type TicketRepo interface {
	ByID(ctx context.Context, ticketID int64) (*model.Ticket, error)
	ByChatID(ctx context.Context, chatID int64) (*model.Ticket, error)
	// SetStatus writes the transition and appends to the status log.
	SetStatus(ctx context.Context, ticketID int64, status model.TicketStatus, actorID int64) (*model.Ticket, error)
}

type CounterRepo interface {
	// UnreadByChats counts messages past the user's read cursor per chat,
	// excluding the user's own, inside the visibility window.
	UnreadByChats(ctx context.Context, userID int64, chatIDs []int64) (map[int64]int64, error)
	UnreadByMatches(ctx context.Context, userID int64, matchIDs []int64) (map[int64]int64, error)
	UnreadTotal(ctx context.Context, userID int64) (int64, error)
}
