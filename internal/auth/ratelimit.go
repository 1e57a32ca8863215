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
)

// tokenBucket is a refilling counter. One bucket exists per username
// that has attempted a login.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// allow consumes one token when available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// loginLimiter caps login attempts per username. Limiting by username
// rather than source address keeps a distributed guesser from getting a
// fresh budget per IP.
type loginLimiter struct {
	mu        sync.RWMutex
	buckets   map[string]*tokenBucket
	perMinute int
}

func newLoginLimiter(perMinute int) *loginLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &loginLimiter{
		buckets:   make(map[string]*tokenBucket),
		perMinute: perMinute,
	}
}

func (l *loginLimiter) allow(username string) bool {
	if username == "" {
		username = "_anonymous_"
	}

	l.mu.RLock()
	bucket, exists := l.buckets[username]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		bucket, exists = l.buckets[username]
		if !exists {
			bucket = newTokenBucket(float64(l.perMinute)/60.0, l.perMinute)
			l.buckets[username] = bucket
		}
		l.mu.Unlock()
	}

	return bucket.allow()
}

// cleanup drops buckets idle longer than maxAge so one-off usernames do
// not accumulate forever.
func (l *loginLimiter) cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for username, bucket := range l.buckets {
		bucket.mu.Lock()
		idle := now.Sub(bucket.lastRefill)
		bucket.mu.Unlock()

		if idle > maxAge {
			delete(l.buckets, username)
		}
	}
}
