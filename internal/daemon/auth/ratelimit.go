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

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// RequestsPerSecond is the sustained request rate allowed per user.
	RequestsPerSecond float64

	// BurstSize is the maximum burst size (token bucket capacity).
	BurstSize int
}

// userLimiter pairs a token bucket with its last use, so idle buckets
// can be dropped.
type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-user request rate limiting.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*userLimiter
	config   RateLimitConfig
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}

	return &RateLimiter{
		limiters: make(map[string]*userLimiter),
		config:   cfg,
	}
}

// Allow checks if a request from the given user is allowed.
func (rl *RateLimiter) Allow(userID string) bool {
	if !rl.config.Enabled {
		return true
	}

	if userID == "" {
		// Unauthenticated requests share one bucket
		userID = "_anonymous_"
	}

	rl.mu.RLock()
	ul, exists := rl.limiters[userID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		ul, exists = rl.limiters[userID]
		if !exists {
			ul = &userLimiter{
				limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
			}
			rl.limiters[userID] = ul
		}
		rl.mu.Unlock()
	}

	rl.mu.Lock()
	ul.lastSeen = time.Now()
	rl.mu.Unlock()

	return ul.limiter.Allow()
}

// Cleanup removes buckets for users who haven't made requests within
// maxAge. Prevents the map growing without bound from one-time tokens.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for userID, ul := range rl.limiters {
		if ul.lastSeen.Before(cutoff) {
			delete(rl.limiters, userID)
		}
	}
}
