// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/tracing"
	"github.com/tombee/maestro/pkg/engine"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// MetricsHandler serves a Prometheus scrape endpoint.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Router wraps an http.ServeMux with auth, tracing, and request
// logging for the run API.
type Router struct {
	mux      *http.ServeMux
	config   RouterConfig
	engine   *engine.Engine
	auth     *auth.Middleware
	logger   *slog.Logger
	draining atomic.Bool
}

// NewRouter creates the HTTP router with all run API endpoints
// registered. authmw may be nil when authentication is disabled.
func NewRouter(cfg RouterConfig, eng *engine.Engine, authmw *auth.Middleware, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		engine: eng,
		auth:   authmw,
		logger: logger,
	}

	r.mux.HandleFunc("POST /v1/runs", r.handleSubmit)
	r.mux.HandleFunc("GET /v1/runs", r.handleList)
	r.mux.HandleFunc("DELETE /v1/runs", r.handlePurge)
	r.mux.HandleFunc("GET /v1/runs/{id}", r.handleGet)
	r.mux.HandleFunc("DELETE /v1/runs/{id}", r.handleCancel)
	r.mux.HandleFunc("GET /v1/runs/{id}/events", r.handleEvents)
	r.mux.HandleFunc("POST /v1/runs/{id}/signals/{name}", r.handleSignal)
	r.mux.HandleFunc("POST /v1/workflows/validate", r.handleValidate)

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// SetMetricsHandler registers the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(handler MetricsHandler) {
	if handler != nil {
		r.mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}
}

// StartDraining makes submission endpoints refuse new work with 503
// while in-flight runs finish.
func (r *Router) StartDraining() {
	r.draining.Store(true)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Build middleware chain from innermost to outermost:
	// 1. HTTP trace context extraction
	// 2. Tracing spans
	// 3. Correlation IDs
	// 4. Authentication
	// 5. Request logging (outermost)

	var handler http.Handler = r.mux

	if r.auth != nil {
		handler = r.auth.Wrap(handler)
	}

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "maestrod",
		"version": r.config.Version,
	})
}

// handleVersion handles GET /v1/version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
