// Package handler is the HTTP surface of the messenger: the websocket
// upgrade endpoint plus health and stats probes.
package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sportlevel/messenger/internal/middleware"
)

// NewRouter assembles the route tree shared by every deployment shape.
func NewRouter(ws *WSHandler, health *HealthHandler, stats *StatsHandler, allowedOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress websocket upgrades: the compressing ResponseWriter
	// does not implement http.Hijacker and the upgrade would 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)

	origins := []string{"*"}
	if allowedOrigins != "" && allowedOrigins != "*" {
		origins = origins[:0]
		for _, o := range strings.Split(allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", health.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit)
		r.Get("/ws", ws.ServeWS)
		r.Get("/stats", stats.Stats)
	})

	return r
}
