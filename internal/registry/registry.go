// Package registry tracks live connections twice: in process-local maps for
// connections this process owns, and in distributed sets (one per user) so
// other processes can discover fanout targets. The distributed view is best
// effort and may hold stale entries after a crash; the dispatcher prunes
// those lazily via RemoveStale.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/transport"
)

// Connection is one live local websocket. Owned by the process that
// accepted it; never persisted.
type Connection struct {
	ID        string
	UserID    int64
	Role      model.Role
	Transport transport.Transport
	IP        string
}

// Channel names the private pub/sub channel frames for this connection
// travel on.
func (c *Connection) Channel() string {
	return ChannelFor(c.ID)
}

// ChannelFor builds the private channel name for a connection id.
func ChannelFor(connectionID string) string {
	return "updates:connection:" + connectionID
}

// ConnRef is a (user, connection) pair resolved from the distributed sets.
// The connection may live on another process.
type ConnRef struct {
	UserID       int64
	ConnectionID string
}

func setKey(userID int64) string {
	return "connections:" + strconv.FormatInt(userID, 10)
}

func member(userID int64, connectionID string) string {
	return strconv.FormatInt(userID, 10) + ":" + connectionID
}

func parseMember(m string) (ConnRef, bool) {
	idx := strings.IndexByte(m, ':')
	if idx <= 0 {
		return ConnRef{}, false
	}
	uid, err := strconv.ParseInt(m[:idx], 10, 64)
	if err != nil {
		return ConnRef{}, false
	}
	return ConnRef{UserID: uid, ConnectionID: m[idx+1:]}, true
}

type Registry struct {
	broker broker.Broker

	mu     sync.RWMutex
	byUser map[int64]map[string]*Connection
	byID   map[string]*Connection
	byIP   map[string]int
}

func New(b broker.Broker) *Registry {
	return &Registry{
		broker: b,
		byUser: make(map[int64]map[string]*Connection),
		byID:   make(map[string]*Connection),
		byIP:   make(map[string]int),
	}
}

// Register creates a connection record, makes it visible to concurrent
// local lookups, and mirrors it into the user's distributed set.
func (r *Registry) Register(ctx context.Context, userID int64, role model.Role, t transport.Transport, ip string) (*Connection, error) {
	conn := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Transport: t,
		IP:        ip,
	}

	r.mu.Lock()
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]*Connection)
		r.byUser[userID] = conns
	}
	conns[conn.ID] = conn
	r.byID[conn.ID] = conn
	r.byIP[ip]++
	r.mu.Unlock()

	if err := r.broker.SAdd(ctx, setKey(userID), member(userID, conn.ID)); err != nil {
		r.removeLocal(conn)
		return nil, fmt.Errorf("registry.Register: %w", err)
	}
	return conn, nil
}

// Unregister removes the connection from both views. Called from session
// teardown, so it must succeed locally even when the broker is down; a
// failed distributed removal leaves a stale entry the dispatcher prunes.
func (r *Registry) Unregister(ctx context.Context, conn *Connection) {
	r.removeLocal(conn)
	if err := r.broker.SRem(ctx, setKey(conn.UserID), member(conn.UserID, conn.ID)); err != nil {
		logger.Criticalf("registry: distributed unregister user=%d conn=%s: %v", conn.UserID, conn.ID, err)
	}
}

func (r *Registry) removeLocal(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[conn.ID]; !ok {
		return
	}
	delete(r.byID, conn.ID)
	if conns, ok := r.byUser[conn.UserID]; ok {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if n := r.byIP[conn.IP]; n <= 1 {
		delete(r.byIP, conn.IP)
	} else {
		r.byIP[conn.IP] = n - 1
	}
}

// RemoveStale drops a distributed record whose owning process is gone.
// Local state is untouched; the record never belonged to this process.
func (r *Registry) RemoveStale(ctx context.Context, userID int64, connectionID string) error {
	if err := r.broker.SRem(ctx, setKey(userID), member(userID, connectionID)); err != nil {
		return fmt.Errorf("registry.RemoveStale: %w", err)
	}
	return nil
}

// ResolveConnections unions the distributed sets of all given users in one
// round trip, excluding the listed connection ids (echo suppression).
func (r *Registry) ResolveConnections(ctx context.Context, userIDs []int64, exclude ...string) ([]ConnRef, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = setKey(uid)
	}
	members, err := r.broker.SUnionAll(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("registry.ResolveConnections: %w", err)
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var out []ConnRef
	for _, m := range members {
		ref, ok := parseMember(m)
		if !ok {
			logger.Errorf("registry: malformed member %q", m)
			continue
		}
		if _, skip := excluded[ref.ConnectionID]; skip {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// LocalConnection returns the connection if this process owns it.
func (r *Registry) LocalConnection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[connectionID]
	return conn, ok
}

// CountByIP reports how many local connections the given address holds.
// Backs the per-IP guard at the upgrade endpoint.
func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byIP[ip]
}

// ActiveConnections reports the number of local connections.
func (r *Registry) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ConnectedUsers reports the number of distinct local users.
func (r *Registry) ConnectedUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// LocalConnections returns a snapshot of the connections this process owns.
// Used at shutdown to close every session with a going-away code.
func (r *Registry) LocalConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn)
	}
	return out
}
