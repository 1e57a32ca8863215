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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Message is the daemon's error message.
	Message string

	// RetryAfter is the server's suggested backoff in seconds, zero
	// when the response carried none. Set on queue-full responses.
	RetryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("grinderd returned %d: %s", e.StatusCode, e.Message)
}

// decodeAPIError reads an error response body. The daemon wraps
// messages as {"error": "..."}; anything else is kept verbatim.
func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if n, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = n
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var wrapped struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != "" {
		apiErr.Message = wrapped.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401 from the daemon, which
// usually means the token expired and the user must log in again.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden reports whether err is a 403 from the daemon.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsUnavailable reports whether err is a 503, returned when the queue
// is full or the daemon is draining. APIError.RetryAfter suggests when
// to try again.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// DaemonNotRunningError indicates grinderd could not be reached.
type DaemonNotRunningError struct {
	Addr string
	Err  error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("grinderd is not running (addr: %s)", e.Addr)
}

func (e *DaemonNotRunningError) Unwrap() error { return e.Err }

// Guidance returns user-facing help for starting the daemon.
func (e *DaemonNotRunningError) Guidance() string {
	return `grinderd is not running.

Start the daemon with:
  grinderd                       # Foreground (for development)
  grinderd &                     # Background
  systemctl --user start grinder # If installed as a service

Point the client elsewhere with:
  export GRINDER_HOST=tcp://host:port`
}

// IsDaemonNotRunning reports whether err means the daemon is down
// rather than the request being bad.
func IsDaemonNotRunning(err error) bool {
	if err == nil {
		return false
	}
	var dnr *DaemonNotRunningError
	return errors.As(err, &dnr)
}

// wrapDialError converts connection-level failures into
// *DaemonNotRunningError so callers can offer guidance.
func wrapDialError(err error, addr string) error {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such file or directory") {
		return &DaemonNotRunningError{Addr: addr, Err: err}
	}
	return fmt.Errorf("request failed: %w", err)
}
