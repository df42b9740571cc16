// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package httpapi exposes the daemon's REST surface: task submission,
// status, watch-mode toggles, live config updates, and Prometheus metrics.
package httpapi

import (
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/httpapi/middleware"
	"github.com/Tim-Spurlin/VibeNote/internal/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route behind the standard middleware stack:
// panic recovery, request id, HTTP metrics, access logging, then a
// per-route rate limiter on the admission path.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(middleware.Metrics())
	r.Use(log.Middleware())

	r.Get("/v1/status", h.handleStatus)
	r.Get("/v1/status/stream", h.handleStatusStream)

	r.With(middleware.RateLimit(middleware.RateLimitConfig{
		RequestLimit: 10,
		WindowSize:   time.Second,
	})).Post("/v1/summarize", h.handleSummarize)

	r.Post("/v1/watch/start", h.handleWatchStart)
	r.Post("/v1/watch/stop", h.handleWatchStop)

	r.Put("/v1/config", h.handlePutConfig)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
