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

// Package events is the in-process progress bus. Pipeline code publishes
// task and problem progress; transports (SSE) subscribe and forward.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindTaskCreated      Kind = "task.created"
	KindTaskStarted      Kind = "task.started"
	KindTaskProgress     Kind = "task.progress"
	KindProblemCompleted Kind = "task.problem_completed"
	KindTaskCompleted    Kind = "task.completed"
	KindTaskFailed       Kind = "task.failed"
)

// Event is one progress notification. TaskID is always set; problem-level
// fields only for problem-scoped kinds.
type Event struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id"`
	UserID    int64     `json:"user_id,omitempty"`
	ProblemID int64     `json:"problem_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"ts"`
}

// DefaultBacklog is the per-subscriber buffer before a subscriber counts
// as slow.
const DefaultBacklog = 100

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose backlog is full is dropped and its channel closed, so
// a stalled consumer reconnects instead of stalling the pipeline.
type Bus struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	backlog int
	logger  *slog.Logger
}

// NewBus creates a bus. backlog <= 0 uses DefaultBacklog; a nil logger
// falls back to the default.
func NewBus(backlog int, logger *slog.Logger) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[*subscriber]struct{}),
		backlog: backlog,
		logger:  logger.With("component", "events"),
	}
}

// Publish delivers ev to every subscriber. Events published from one
// goroutine arrive in publish order; a zero Time is stamped here.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	var dropped []*subscriber
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()

	if len(dropped) > 0 {
		b.logger.Warn("dropped slow event subscribers",
			"count", len(dropped),
			"kind", string(ev.Kind),
			"task_id", ev.TaskID)
	}
}

// Subscribe returns a channel of all future events and an unsubscribe
// function. The channel is closed on unsubscribe or when the subscriber
// falls behind.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.backlog)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	}
	return s.ch, unsub
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// TaskCreated builds a task.created event.
func TaskCreated(userID int64, taskID string) Event {
	return Event{Kind: KindTaskCreated, UserID: userID, TaskID: taskID}
}

// TaskStarted builds a task.started event.
func TaskStarted(userID int64, taskID string) Event {
	return Event{Kind: KindTaskStarted, UserID: userID, TaskID: taskID}
}

// Progress builds a task.progress event for one problem entering or
// moving through a stage.
func Progress(userID int64, taskID string, problemID int64, stage, detail string) Event {
	return Event{
		Kind:      KindTaskProgress,
		UserID:    userID,
		TaskID:    taskID,
		ProblemID: problemID,
		Stage:     stage,
		Detail:    detail,
	}
}

// ProblemCompleted builds a task.problem_completed event carrying the
// problem's terminal state.
func ProblemCompleted(userID int64, taskID string, problemID int64, status string) Event {
	return Event{
		Kind:      KindProblemCompleted,
		UserID:    userID,
		TaskID:    taskID,
		ProblemID: problemID,
		Status:    status,
	}
}

// TaskCompleted builds a task.completed event.
func TaskCompleted(userID int64, taskID string) Event {
	return Event{Kind: KindTaskCompleted, UserID: userID, TaskID: taskID}
}

// TaskFailed builds a task.failed event.
func TaskFailed(userID int64, taskID, reason string) Event {
	return Event{Kind: KindTaskFailed, UserID: userID, TaskID: taskID, Reason: reason}
}
