package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/sportlevel/messenger/internal/permissions"
)

// snapshotCache keeps membership snapshots for a short TTL, keyed by the
// chat's version so membership changes invalidate naturally: a version bump
// produces a new key and the stale entry ages out.
type snapshotCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]snapshotEntry
}

type snapshotEntry struct {
	snap      permissions.MembershipSnapshot
	expiresAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		ttl:     ttl,
		entries: make(map[string]snapshotEntry),
	}
}

func snapshotKey(chatID, userID, version int64) string {
	return fmt.Sprintf("%d:%d:%d", chatID, userID, version)
}

func (c *snapshotCache) get(chatID, userID, version int64) (permissions.MembershipSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[snapshotKey(chatID, userID, version)]
	if !ok || time.Now().After(e.expiresAt) {
		return permissions.MembershipSnapshot{}, false
	}
	return e.snap, true
}

func (c *snapshotCache) put(chatID, userID, version int64, snap permissions.MembershipSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map from growing without bound.
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[snapshotKey(chatID, userID, version)] = snapshotEntry{
		snap:      snap,
		expiresAt: time.Now().Add(c.ttl),
	}
}
