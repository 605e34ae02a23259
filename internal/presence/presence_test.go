package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sportlevel/messenger/internal/broker/memory"
	"github.com/sportlevel/messenger/internal/updates"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []updates.Update
}

func (r *recordingPublisher) Publish(_ context.Context, u updates.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, u)
	return nil
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.published {
		if u.PresenceChanged != nil {
			out = append(out, u.PresenceChanged.Status)
		}
	}
	return out
}

func TestHeartbeatPublishesTransitionOnce(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tr := New(memory.New(), pub, time.Minute)

	for i := 0; i < 5; i++ {
		tr.Heartbeat(ctx, 1)
	}
	if got := pub.statuses(); len(got) != 1 || got[0] != StatusOnline {
		t.Errorf("statuses after repeated pings = %v, want [online]", got)
	}
	if s := tr.Status(ctx, 1); s != StatusOnline {
		t.Errorf("Status = %q, want online", s)
	}
}

func TestHeartbeatAfterExpiryPublishesAgain(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tr := New(memory.New(), pub, 10*time.Millisecond)

	tr.Heartbeat(ctx, 1)
	time.Sleep(20 * time.Millisecond)
	tr.Heartbeat(ctx, 1)
	if got := pub.statuses(); len(got) != 2 {
		t.Errorf("statuses across expiry = %v, want two online transitions", got)
	}
}

func TestAwayAndBack(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tr := New(memory.New(), pub, time.Minute)

	tr.Heartbeat(ctx, 1)
	tr.SetAway(ctx, 1)
	tr.SetAway(ctx, 1) // repeated away is not a transition
	if s := tr.Status(ctx, 1); s != StatusAway {
		t.Errorf("Status = %q, want away", s)
	}
	tr.Heartbeat(ctx, 1)
	want := []string{StatusOnline, StatusAway, StatusOnline}
	got := pub.statuses()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
}

func TestDisconnected(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tr := New(memory.New(), pub, time.Minute)

	tr.Heartbeat(ctx, 1)
	tr.Disconnected(ctx, 1, 1) // another connection remains
	if s := tr.Status(ctx, 1); s != StatusOnline {
		t.Errorf("Status with remaining connection = %q, want online", s)
	}
	tr.Disconnected(ctx, 1, 0)
	if s := tr.Status(ctx, 1); s != StatusOffline {
		t.Errorf("Status after last disconnect = %q, want offline", s)
	}
	got := pub.statuses()
	if len(got) != 2 || got[1] != StatusOffline {
		t.Errorf("statuses = %v, want [online offline]", got)
	}
}
