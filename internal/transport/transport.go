// Package transport wraps one physical websocket as typed send/receive of
// protocol frames. All broken-socket failures normalize to ErrClosed so the
// session loop has a single terminal condition to look for.
package transport

import (
	"errors"
	"sync/atomic"

	"github.com/sportlevel/messenger/internal/protocol"
)

var (
	// ErrClosed reports that the underlying connection is gone. Terminal.
	ErrClosed = errors.New("transport: connection closed")
	// ErrTransport covers anomalies other than a broken socket.
	ErrTransport = errors.New("transport: transport error")
)

// Close codes sent to clients on terminal conditions.
const (
	CloseGoingAway       = 1001 // server shutting down
	CloseAuthRequired    = 1002 // credential missing
	CloseInvalidAuth     = 1003 // credential invalid or expired
	ClosePolicyViolation = 1008 // insufficient role
	CloseInternalError   = 1011
)

// Transport is one live client connection. Closing is terminal; there are
// no retries at this layer.
type Transport interface {
	Send(u *protocol.ServerUpdate) error
	SendRaw(frame []byte) error
	Receive() ([]byte, error)
	Close(code int, reason string) error
	// OnClientError and OnServerError bump the fault-origin counters.
	OnClientError()
	OnServerError()
}

// Stats counts per-connection traffic. Client and server error counts are
// kept apart so operators can tell fault origin.
type Stats struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
	ClientErrors     atomic.Int64
	ServerErrors     atomic.Int64
}

func (s *Stats) OnClientError() { s.ClientErrors.Add(1) }
func (s *Stats) OnServerError() { s.ServerErrors.Add(1) }

func (s *Stats) onSent(n int)     { s.MessagesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *Stats) onReceived(n int) { s.MessagesReceived.Add(1); s.BytesReceived.Add(int64(n)) }
