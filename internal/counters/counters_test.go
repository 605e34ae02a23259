package counters

import (
	"context"
	"testing"
	"time"

	"github.com/sportlevel/messenger/internal/broker/memory"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/storage"
	memstore "github.com/sportlevel/messenger/internal/storage/memory"
)

func seed(t *testing.T) (*memstore.Store, int64, int64) {
	t.Helper()
	store := memstore.New()
	matchID := int64(500)
	chat := store.SeedChat(model.Chat{ChatType: model.ChatTypeMatch, MatchID: &matchID})
	store.SeedMembership(model.ChatMembership{ChatID: chat.ID, UserID: 1, Role: model.RoleBookmaker, HasWritePermission: true})
	store.SeedMembership(model.ChatMembership{ChatID: chat.ID, UserID: 2, Role: model.RoleScout, IsPrimary: true, HasWritePermission: true})
	return store, chat.ID, matchID
}

func mustCreate(t *testing.T, store *memstore.Store, chatID, senderID int64) *model.Message {
	t.Helper()
	ctx := context.Background()
	var msg *model.Message
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		msg, err = tx.Messages().Create(ctx, chatID, &senderID, model.NewTextContent("hi"), nil)
		return err
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func TestByChatReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	store, chatID, matchID := seed(t)
	b := memory.New()
	c := New(b, store, time.Minute)

	mustCreate(t, store, chatID, 2)
	mustCreate(t, store, chatID, 2)
	mustCreate(t, store, chatID, 1)

	// User 1 has two unread (own message excluded).
	n, err := c.ByChat(ctx, 1, chatID)
	if err != nil {
		t.Fatalf("ByChat: %v", err)
	}
	if n != 2 {
		t.Errorf("ByChat = %d, want 2", n)
	}

	// A new message without invalidation serves the stale cached value.
	mustCreate(t, store, chatID, 2)
	if n, _ := c.ByChat(ctx, 1, chatID); n != 2 {
		t.Errorf("cached ByChat = %d, want 2", n)
	}

	// Invalidation forces a recompute.
	c.InvalidateMessage(ctx, chatID, &matchID, []int64{1, 2})
	if n, _ := c.ByChat(ctx, 1, chatID); n != 3 {
		t.Errorf("ByChat after invalidate = %d, want 3", n)
	}

	if n, _ := c.ByMatch(ctx, 1, matchID); n != 3 {
		t.Errorf("ByMatch = %d, want 3", n)
	}
	if n, _ := c.Total(ctx, 1); n != 3 {
		t.Errorf("Total = %d, want 3", n)
	}
	// User 2 only sees the bookmaker's message.
	if n, _ := c.ByChat(ctx, 2, chatID); n != 1 {
		t.Errorf("ByChat user 2 = %d, want 1", n)
	}
}

func TestByChatsBatchesMisses(t *testing.T) {
	ctx := context.Background()
	store, chatID, _ := seed(t)
	other := store.SeedChat(model.Chat{ChatType: model.ChatTypePersonal})
	store.SeedMembership(model.ChatMembership{ChatID: other.ID, UserID: 1, Role: model.RoleBookmaker})
	store.SeedMembership(model.ChatMembership{ChatID: other.ID, UserID: 3, Role: model.RoleScout})
	c := New(memory.New(), store, time.Minute)

	mustCreate(t, store, chatID, 2)
	mustCreate(t, store, other.ID, 3)

	got, err := c.ByChats(ctx, 1, []int64{chatID, other.ID})
	if err != nil {
		t.Fatalf("ByChats: %v", err)
	}
	if got[chatID] != 1 || got[other.ID] != 1 {
		t.Errorf("ByChats = %v, want 1 per chat", got)
	}
}

func TestReadCursorReducesUnread(t *testing.T) {
	ctx := context.Background()
	store, chatID, matchID := seed(t)
	c := New(memory.New(), store, time.Minute)

	m1 := mustCreate(t, store, chatID, 2)
	mustCreate(t, store, chatID, 2)

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.Messages().AdvanceStatus(ctx, chatID, 1, m1.ID, model.DeliveryStatusRead, false)
		return err
	})
	if err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}
	c.InvalidateMessage(ctx, chatID, &matchID, []int64{1})
	if n, _ := c.ByChat(ctx, 1, chatID); n != 1 {
		t.Errorf("ByChat after read = %d, want 1", n)
	}
}
