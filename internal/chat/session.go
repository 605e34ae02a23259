package chat

import (
	"context"
	"errors"
	"time"

	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/protocol"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/transport"
)

// cleanupTimeout bounds the registry and presence calls that run after the
// session context may already be cancelled.
const cleanupTimeout = 5 * time.Second

// Session is the single-goroutine command loop for one connection. No two
// command handlers run concurrently for the same connection; debounced
// status writes are the only work that outlives a command dispatch.
type Session struct {
	svc       *Service
	conn      *registry.Connection
	transport transport.Transport
	debounce  *Debouncer
	// unread has its own, longer window so an accidental mark-unread tap
	// can be out-raced by the next read ack before anything is written.
	unread *Debouncer
}

func (s *Session) run(ctx context.Context) {
	defer s.cleanup()

	sub, err := s.svc.broker.Subscribe(ctx, s.conn.Channel())
	if err != nil {
		logger.Criticalf("chat: subscribe conn=%s: %v", s.conn.ID, err)
		_ = s.transport.Close(transport.CloseInternalError, "internal error")
		return
	}
	defer sub.Close()

	s.svc.presence.Heartbeat(ctx, s.conn.UserID)

	done := make(chan struct{})
	defer close(done)

	// Frames arriving on the private channel were serialized by the
	// dispatcher that published them; they go to the socket verbatim.
	go func() {
		for {
			select {
			case frame, ok := <-sub.Messages():
				if !ok {
					return
				}
				if err := s.transport.SendRaw(frame); err != nil {
					if !errors.Is(err, transport.ErrClosed) {
						logger.Errorf("chat: forward conn=%s: %v", s.conn.ID, err)
					}
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Shutdown closes the socket under the loop with a distinguishable
	// code, which surfaces in Receive as ErrClosed.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.transport.Close(transport.CloseGoingAway, "server shutting down")
		case <-done:
		}
	}()

	for {
		frame, err := s.transport.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
				logger.Errorf("chat: receive conn=%s: %v", s.conn.ID, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeValidation, "malformed command", protocol.ErrorReasonClient))
			continue
		}

		handler, ok := s.svc.handlers[cmd.Type]
		if !ok {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeValidation, "unknown command", protocol.ErrorReasonClient))
			continue
		}

		// One bad command must not kill the connection; only a closed
		// socket or cancellation ends the loop.
		if err := handler(ctx, s, cmd); err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			s.onServerError()
			logger.Errorf("chat: handle %s conn=%s: %v", cmd.Type, s.conn.ID, err)
			s.send(protocol.NewError(protocol.ErrorCodeServer, "internal error", protocol.ErrorReasonServer))
		}
	}
}

// cleanup runs on every loop exit, including panics further down the
// stack. It uses a fresh context because the session's own may be gone.
func (s *Session) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.debounce.Cancel()
	s.unread.Cancel()
	s.svc.registry.Unregister(ctx, s.conn)
	_ = s.transport.Close(transport.CloseGoingAway, "")

	remaining := 0
	if refs, err := s.svc.registry.ResolveConnections(ctx, []int64{s.conn.UserID}); err == nil {
		remaining = len(refs)
	}
	s.svc.presence.Disconnected(ctx, s.conn.UserID, remaining)
}

// send delivers a frame on this session's own transport. Failures mean the
// socket is gone; the receive loop will notice on its next read.
func (s *Session) send(u *protocol.ServerUpdate) {
	if err := s.transport.Send(u); err != nil && !errors.Is(err, transport.ErrClosed) {
		logger.Errorf("chat: send conn=%s: %v", s.conn.ID, err)
	}
}

func (s *Session) onClientError() { s.transport.OnClientError() }

func (s *Session) onServerError() { s.transport.OnServerError() }
