// Package opsapi exposes the engine's operational HTTP surface:
// /health for liveness probes and /metrics for Prometheus scrapes.
// Operator control flows over the MQTT command topic, never HTTP.
package opsapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthCheck reports one subsystem's liveness; a nil error is healthy.
type HealthCheck func() error

// Server bundles the ops router and its health checks.
type Server struct {
	logger *zap.Logger
	checks map[string]HealthCheck
	Router chi.Router
}

func New(logger *zap.Logger, checks map[string]HealthCheck) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger, checks: checks}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	s.Router = r
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["failures"] = failures
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("health response write failed", zap.Error(err))
	}
}
