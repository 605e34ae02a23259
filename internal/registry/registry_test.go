package registry

import (
	"context"
	"sort"
	"testing"

	"github.com/sportlevel/messenger/internal/broker/memory"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/transport"
)

func resolveIDs(t *testing.T, r *Registry, userIDs []int64, exclude ...string) []string {
	t.Helper()
	refs, err := r.ResolveConnections(context.Background(), userIDs, exclude...)
	if err != nil {
		t.Fatalf("ResolveConnections: %v", err)
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ConnectionID)
	}
	sort.Strings(ids)
	return ids
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	c1, err := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	c2, err := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "10.0.0.2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(ctx, 2, model.RoleBookmaker, transport.NewPipe(), "10.0.0.1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got := resolveIDs(t, r, []int64{1})
	want := []string{c1.ID, c2.ID}
	sort.Strings(want)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("resolve after register = %v, want %v", got, want)
	}

	// Local view agrees immediately.
	if _, ok := r.LocalConnection(c1.ID); !ok {
		t.Error("LocalConnection: c1 missing")
	}
	if n := r.ActiveConnections(); n != 3 {
		t.Errorf("ActiveConnections = %d, want 3", n)
	}
	if n := r.ConnectedUsers(); n != 2 {
		t.Errorf("ConnectedUsers = %d, want 2", n)
	}
	if n := r.CountByIP("10.0.0.1"); n != 2 {
		t.Errorf("CountByIP = %d, want 2", n)
	}

	r.Unregister(ctx, c1)
	if got := resolveIDs(t, r, []int64{1}); len(got) != 1 || got[0] != c2.ID {
		t.Errorf("resolve after unregister = %v, want [%s]", got, c2.ID)
	}
	if _, ok := r.LocalConnection(c1.ID); ok {
		t.Error("LocalConnection: c1 still present after unregister")
	}
	if n := r.CountByIP("10.0.0.1"); n != 1 {
		t.Errorf("CountByIP after unregister = %d, want 1", n)
	}

	r.Unregister(ctx, c2)
	if got := resolveIDs(t, r, []int64{1}); len(got) != 0 {
		t.Errorf("resolve after full unregister = %v, want empty", got)
	}
}

func TestResolveConnectionsMultiUserAndExclusion(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	c1, _ := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "ip")
	c2, _ := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "ip")
	c3, _ := r.Register(ctx, 2, model.RoleBookmaker, transport.NewPipe(), "ip")
	_, _ = r.Register(ctx, 3, model.RoleSupervisor, transport.NewPipe(), "ip")

	got := resolveIDs(t, r, []int64{1, 2}, c1.ID)
	want := []string{c2.ID, c3.ID}
	sort.Strings(want)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("resolve with exclusion = %v, want %v", got, want)
	}
}

func TestResolveSkipsMalformedMembers(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	r := New(b)

	c1, err := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "ip")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Junk in the distributed set must not break resolution of the rest.
	for _, junk := range []string{"no-separator", ":leading", "nan:cid"} {
		if err := b.SAdd(ctx, setKey(1), junk); err != nil {
			t.Fatalf("SAdd: %v", err)
		}
	}

	refs, err := r.ResolveConnections(ctx, []int64{1})
	if err != nil {
		t.Fatalf("ResolveConnections: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("resolved %d refs, want 1: %+v", len(refs), refs)
	}
	if refs[0].UserID != 1 || refs[0].ConnectionID != c1.ID {
		t.Errorf("ref = %+v, want user 1 conn %s", refs[0], c1.ID)
	}
}

func TestRemoveStaleDropsDistributedRecordOnly(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	c1, _ := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "ip")
	c2, _ := r.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "ip")

	if err := r.RemoveStale(ctx, 1, c1.ID); err != nil {
		t.Fatalf("RemoveStale: %v", err)
	}
	if got := resolveIDs(t, r, []int64{1}); len(got) != 1 || got[0] != c2.ID {
		t.Errorf("resolve after stale removal = %v, want [%s]", got, c2.ID)
	}
	// Stale removal never touches local ownership.
	if _, ok := r.LocalConnection(c1.ID); !ok {
		t.Error("LocalConnection: c1 should remain local after RemoveStale")
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(uid int64) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				conn, err := r.Register(ctx, uid, model.RoleScout, transport.NewPipe(), "ip")
				if err != nil {
					t.Errorf("Register: %v", err)
					return
				}
				r.Unregister(ctx, conn)
			}
		}(int64(i % 3))
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if n := r.ActiveConnections(); n != 0 {
		t.Errorf("ActiveConnections after churn = %d, want 0", n)
	}
	if got := resolveIDs(t, r, []int64{0, 1, 2}); len(got) != 0 {
		t.Errorf("resolve after churn = %v, want empty", got)
	}
}
