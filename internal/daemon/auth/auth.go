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

// Package auth provides JWT bearer authentication for the daemon API.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// userContextKey is the context key for user information.
	userContextKey contextKey = "user"
)

// User represents an authenticated principal.
type User struct {
	ID       string
	TenantID string
	Scopes   []string
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

// ContextWithUser returns a new context with the given user.
// This is primarily for testing purposes.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Config contains authentication configuration.
type Config struct {
	// Enabled controls whether bearer tokens are required.
	Enabled bool

	// JWT contains token validation configuration.
	JWT JWTConfig

	// RateLimit contains per-user rate limiting configuration.
	RateLimit RateLimitConfig

	// Logger for auth decisions.
	Logger *slog.Logger
}

// Middleware provides authentication middleware.
type Middleware struct {
	config      Config
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(cfg Config) *Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		config:      cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		logger:      logger,
	}
}

// Wrap wraps an http.Handler with bearer authentication and per-user
// rate limiting.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Health and metrics stay reachable for probes and scrapers
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		// Tokens in query parameters end up in access logs; reject them
		if r.URL.Query().Get("token") != "" || r.URL.Query().Get("access_token") != "" {
			m.unauthorized(w, "tokens in query parameters are not supported; use the Authorization header")
			return
		}

		token := extractBearer(r)
		if token == "" {
			m.unauthorized(w, "authentication required")
			return
		}

		claims, err := ValidateJWT(token, m.config.JWT)
		if err != nil {
			m.logger.Debug("token rejected",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			m.unauthorized(w, "invalid credentials")
			return
		}

		user := &User{
			ID:       claims.UserID,
			TenantID: claims.TenantID,
			Scopes:   claims.Scopes,
		}
		if user.ID == "" {
			user.ID = claims.Subject
		}

		if !m.rateLimiter.Allow(user.ID) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearer extracts the bearer token from the Authorization header.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// unauthorized sends an unauthorized response.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
