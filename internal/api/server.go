// SPDX-License-Identifier: MIT

// Package api exposes the session coordination surface over HTTP: session
// lifecycle and membership writes, invite redemption, heartbeats and the
// notification inbox. Realtime state never flows through here; clients use
// the topic transport for that.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/log"
)

// HealthChecker reports transport reachability for readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config wires the API server.
type Config struct {
	Sessions      store.SessionStore
	Notifications store.NotificationStore
	Transport     HealthChecker
	// ServiceName labels traces; empty disables tracing middleware.
	ServiceName        string
	RateLimitPerMinute int
}

// Server handles the REST surface.
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates the API server.
func New(cfg Config) *Server {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 300
	}
	return &Server{cfg: cfg, logger: log.WithComponent("api")}
}

// Router builds the route tree with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		applyStack(r, s.cfg.ServiceName, s.cfg.RateLimitPerMinute)
		r.Use(requireUser)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Put("/status", s.handleUpdateStatus)
				r.Post("/participants", s.handleAddParticipant)
				r.Delete("/participants/{userID}", s.handleRemoveParticipant)
				r.Put("/leader", s.handleSetLeader)
				r.Post("/heartbeat", s.handleHeartbeat)
			})
		})
		r.Get("/invites/{code}", s.handleRedeemInvite)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/", s.handleCreateNotification)
			r.Post("/{notificationID}/read", s.handleMarkRead)
		})
	})

	return r
}

// requireUser rejects requests without a caller identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserID) == "" {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerID(r *http.Request) string {
	return r.Header.Get(headerUserID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
