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

package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Event kinds delivered by the daemon's event stream.
const (
	EventTaskCreated      = "task.created"
	EventTaskStarted      = "task.started"
	EventTaskProgress     = "task.progress"
	EventProblemCompleted = "task.problem_completed"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
)

// EventStream is a live subscription to the daemon's event feed.
// Events arrive on C until the stream ends; Err reports why.
type EventStream struct {
	// C delivers events. Closed when the stream ends.
	C <-chan Event

	body io.ReadCloser

	mu     sync.Mutex
	err    error
	closed bool
}

// Events subscribes to the daemon's server-sent event stream. Cancel
// ctx or call Close to end the subscription.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	resp, err := c.raw(ctx, http.MethodGet, "/v1/events", nil, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	ch := make(chan Event, 16)
	s := &EventStream{C: ch, body: resp.Body}
	go s.read(ctx, ch)
	return s, nil
}

// Close ends the subscription. Safe to call more than once.
func (s *EventStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

// Err returns the terminal error after C closes. It is nil when the
// stream ended cleanly: the daemon sent done, ctx was cancelled or
// Close was called.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// read parses SSE frames: "data:" lines carry JSON events, ":" lines
// are heartbeats, and the "done" event marks a clean server-side end.
func (s *EventStream) read(ctx context.Context, ch chan<- Event) {
	defer close(ch)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "done" {
				return
			}
			if data != "" {
				var ev Event
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.mu.Lock()
		if !s.closed {
			s.err = err
		}
		s.mu.Unlock()
	}
}
