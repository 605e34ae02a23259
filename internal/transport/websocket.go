package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sportlevel/messenger/internal/protocol"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 64 * 1024
)

// WebSocket adapts a gorilla connection to the Transport contract. Sends
// are serialized with a mutex because the session's receive loop and the
// private-channel forwarder both write to the same socket.
type WebSocket struct {
	conn  *websocket.Conn
	Stats Stats

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket wraps conn. pongWait bounds how long the connection may go
// without a pong before reads fail; zero means the default.
func NewWebSocket(conn *websocket.Conn, pongWait time.Duration) *WebSocket {
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WebSocket{conn: conn}
}

// Send serializes the update and writes it as one binary frame.
func (w *WebSocket) Send(u *protocol.ServerUpdate) error {
	frame, err := protocol.EncodeUpdate(u)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return w.SendRaw(frame)
}

// SendRaw writes an already-serialized frame. Used by the session forwarder
// which receives frames verbatim from the private channel.
func (w *WebSocket) SendRaw(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return normalize(err)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return normalize(err)
	}
	w.Stats.onSent(len(frame))
	return nil
}

// Receive blocks for the next inbound frame.
func (w *WebSocket) Receive() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, normalize(err)
	}
	w.Stats.onReceived(len(data))
	return data, nil
}

// Close writes a close frame with the given code and closes the socket.
// Safe to call more than once; only the first close frame is sent.
func (w *WebSocket) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = w.conn.WriteMessage(websocket.CloseMessage, msg)
	if err := w.conn.Close(); err != nil {
		return normalize(err)
	}
	return nil
}

func (w *WebSocket) OnClientError() { w.Stats.OnClientError() }
func (w *WebSocket) OnServerError() { w.Stats.OnServerError() }

// normalize folds every broken-socket failure into ErrClosed and everything
// else into ErrTransport, so callers never match on gorilla error types.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if websocket.IsUnexpectedCloseError(err) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
