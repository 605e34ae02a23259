package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

type HealthHandler struct {
	store  storage.Store
	broker broker.Broker
}

func NewHealthHandler(store storage.Store, b broker.Broker) *HealthHandler {
	return &HealthHandler{store: store, broker: b}
}

// Health answers 200 only when both backing stores respond.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	out := map[string]string{"database": "ok", "broker": "ok"}
	if err := h.store.Ping(ctx); err != nil {
		out["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.broker.Ping(ctx); err != nil {
		out["broker"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

type StatsHandler struct {
	registry *registry.Registry
}

func NewStatsHandler(reg *registry.Registry) *StatsHandler {
	return &StatsHandler{registry: reg}
}

// Stats reports process-local connection counts.
func (h *StatsHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"connections": h.registry.ActiveConnections(),
		"users":       h.registry.ConnectedUsers(),
	})
}
