// Package chat runs the per-connection session: authenticate, register,
// subscribe to the connection's private channel, then decode and dispatch
// inbound commands until the socket goes away.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/sportlevel/messenger/internal/auth"
	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/presence"
	"github.com/sportlevel/messenger/internal/protocol"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/storage"
	"github.com/sportlevel/messenger/internal/transport"
	"github.com/sportlevel/messenger/internal/updates"
)

type Config struct {
	// DebounceWindow coalesces repeated read/received/unread acks per
	// (user, message, status) key.
	DebounceWindow time.Duration
	// UnreadDelay postpones the unread rollback so an accidental tap can
	// be out-raced by the next read ack.
	UnreadDelay time.Duration
	// SnapshotTTL bounds how long a cached membership snapshot is trusted.
	SnapshotTTL time.Duration
	// AuthLeeway absorbs clock skew when validating tokens.
	AuthLeeway time.Duration
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 200 * time.Millisecond
	}
	if c.UnreadDelay <= 0 {
		c.UnreadDelay = 300 * time.Millisecond
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 30 * time.Second
	}
	return c
}

type commandHandler func(ctx context.Context, s *Session, cmd *protocol.ClientCommand) error

type Service struct {
	store    storage.Store
	broker   broker.Broker
	registry *registry.Registry
	presence *presence.Tracker
	pub      updates.Publisher
	auth     *auth.Service
	cfg      Config

	snapshots *snapshotCache
	handlers  map[protocol.CommandType]commandHandler
}

func NewService(
	store storage.Store,
	b broker.Broker,
	reg *registry.Registry,
	pres *presence.Tracker,
	pub updates.Publisher,
	authSvc *auth.Service,
	cfg Config,
) *Service {
	cfg = cfg.withDefaults()
	svc := &Service{
		store:     store,
		broker:    b,
		registry:  reg,
		presence:  pres,
		pub:       pub,
		auth:      authSvc,
		cfg:       cfg,
		snapshots: newSnapshotCache(cfg.SnapshotTTL),
	}
	// The command table is built once here so the full command surface is
	// visible in one place.
	svc.handlers = map[protocol.CommandType]commandHandler{
		protocol.CommandSendMessage:   svc.handleSendMessage,
		protocol.CommandEditMessage:   svc.handleEditMessage,
		protocol.CommandDeleteMessage: svc.handleDeleteMessage,
		protocol.CommandMarkRead:      svc.handleMarkRead,
		protocol.CommandMarkReceived:  svc.handleMarkReceived,
		protocol.CommandMarkUnread:    svc.handleMarkUnread,
		protocol.CommandTyping:        svc.handleTyping,
		protocol.CommandReaction:      svc.handleReaction,
		protocol.CommandDeviceAlive:   svc.handleDeviceAlive,
	}
	return svc
}

// HandleConnection owns the whole lifecycle of one accepted transport.
// It returns once the session is over; the transport is always closed.
func (svc *Service) HandleConnection(ctx context.Context, t transport.Transport, token, ip string) {
	payload, err := svc.auth.ProcessCredentials(ctx, token, svc.cfg.AuthLeeway)
	if err != nil {
		code := transport.CloseInternalError
		switch {
		case errors.Is(err, auth.ErrAuthRequired):
			code = transport.CloseAuthRequired
		case errors.Is(err, auth.ErrInvalidCredentials):
			code = transport.CloseInvalidAuth
		case errors.Is(err, auth.ErrInsufficientRole):
			code = transport.ClosePolicyViolation
		}
		_ = t.Close(code, "authentication failed")
		return
	}

	conn, err := svc.registry.Register(ctx, payload.ID, payload.Role, t, ip)
	if err != nil {
		logger.Criticalf("chat: register user=%d: %v", payload.ID, err)
		_ = t.Close(transport.CloseInternalError, "internal error")
		return
	}

	s := &Session{
		svc:       svc,
		conn:      conn,
		transport: t,
		debounce:  NewDebouncer(svc.cfg.DebounceWindow),
		unread:    NewDebouncer(svc.cfg.UnreadDelay),
	}
	s.run(ctx)
}
