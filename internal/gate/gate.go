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

// Package gate provides named, resizable counting gates that bound how much
// of the pipeline runs at once. A gate hands out permits up to its limit;
// Acquire suspends until a permit frees up or the caller's context is
// cancelled. Limits can be rebased at runtime: held permits stay valid, new
// acquisitions see the new limit immediately.
package gate

import (
	"context"
	"sync"
)

// Stats is a point-in-time snapshot of one gate.
type Stats struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	InUse         int    `json:"in_use"`
	Waiting       int    `json:"waiting"`
	TotalAcquired uint64 `json:"total_acquired"`
	TotalReleased uint64 `json:"total_released"`
}

// Gate is a counting semaphore with a runtime-adjustable limit.
// A limit of 0 or less admits everyone.
type Gate struct {
	mu            sync.Mutex
	name          string
	limit         int
	inUse         int
	waiting       int
	totalAcquired uint64
	totalReleased uint64
	// notify is closed and replaced whenever capacity may have appeared,
	// waking every waiter to re-check the limit.
	notify chan struct{}
}

// New creates a gate with the given name and limit.
func New(name string, limit int) *Gate {
	return &Gate{
		name:   name,
		limit:  limit,
		notify: make(chan struct{}),
	}
}

// Name returns the gate's name.
func (g *Gate) Name() string { return g.name }

// Acquire takes one permit, suspending until capacity is available or ctx
// is cancelled. On cancellation the permit is not taken.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	for g.limit > 0 && g.inUse >= g.limit {
		g.waiting++
		wait := g.notify
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.waiting--
			g.mu.Unlock()
			return ctx.Err()
		case <-wait:
		}

		g.mu.Lock()
		g.waiting--
	}
	g.inUse++
	g.totalAcquired++
	g.mu.Unlock()
	return nil
}

// TryAcquire takes a permit only if one is immediately available.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limit > 0 && g.inUse >= g.limit {
		return false
	}
	g.inUse++
	g.totalAcquired++
	return true
}

// Release returns one permit and wakes waiters. Releasing more times than
// acquired is a no-op rather than a panic: stage executors release through
// defers that can race with cancellation cleanup.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inUse == 0 {
		return
	}
	g.inUse--
	g.totalReleased++
	g.wakeLocked()
}

// Resize rebases the gate's limit. Held permits remain valid; if the limit
// grew, waiting acquirers are woken to claim the new capacity. Shrinking
// below the current in-use count simply stops new acquisitions until enough
// permits drain.
func (g *Gate) Resize(limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.limit = limit
	g.wakeLocked()
}

// Stats returns a snapshot of the gate's counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Stats{
		Name:          g.name,
		Limit:         g.limit,
		InUse:         g.inUse,
		Waiting:       g.waiting,
		TotalAcquired: g.totalAcquired,
		TotalReleased: g.totalReleased,
	}
}

func (g *Gate) wakeLocked() {
	close(g.notify)
	g.notify = make(chan struct{})
}
