package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sportlevel/messenger/internal/chat"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/middleware"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/transport"
)

// WSHandler upgrades HTTP requests to websocket sessions. Authentication
// happens after the upgrade, inside the session, so the client gets a
// close code instead of a bare HTTP error.
type WSHandler struct {
	chat           *chat.Service
	registry       *registry.Registry
	allowedOrigins string
	maxConnsPerIP  int
	maxMessageSize int64
	pongWait       time.Duration
}

func NewWSHandler(chatSvc *chat.Service, reg *registry.Registry, allowedOrigins string, maxConnsPerIP int, maxMessageSize int64, pongWait time.Duration) *WSHandler {
	return &WSHandler{
		chat:           chatSvc,
		registry:       reg,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
		maxConnsPerIP:  maxConnsPerIP,
		maxMessageSize: maxMessageSize,
		pongWait:       pongWait,
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// token accepts the credential either as a bearer header or, for browser
// websocket clients that cannot set headers, as a query parameter.
func token(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ip := middleware.RealIP(r)
	if h.maxConnsPerIP > 0 && h.registry.CountByIP(ip) >= h.maxConnsPerIP {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}
	if h.maxMessageSize > 0 {
		conn.SetReadLimit(h.maxMessageSize)
	}

	// Blocks until the session is over; the connection's goroutine is this
	// handler's goroutine, the same way per-request handlers work.
	h.chat.HandleConnection(r.Context(), transport.NewWebSocket(conn, h.pongWait), token(r), ip)
}
