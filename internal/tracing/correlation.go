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

package tracing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderCorrelationID carries the correlation id across process
// boundaries, on both inbound API requests and outbound adapter and
// provider calls.
const HeaderCorrelationID = "X-Correlation-ID"

// CorrelationID ties together the log lines and outbound calls made on
// behalf of one request. The empty value means none is set.
type CorrelationID string

type correlationKey struct{}

// NewCorrelationID returns a fresh random id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string { return string(c) }

// IsValid reports whether the id is a well-formed UUID. Anything else
// is discarded rather than propagated, so a caller cannot smuggle
// arbitrary bytes into downstream headers.
func (c CorrelationID) IsValid() bool {
	if c == "" {
		return false
	}
	_, err := uuid.Parse(string(c))
	return err == nil
}

// ToContext attaches the id to ctx.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// FromContextOrEmpty returns the id attached to ctx, or the empty id.
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey{}).(CorrelationID); ok {
		return id
	}
	return ""
}

// FromRequest returns the caller-supplied correlation id, or a fresh
// one when the header is absent or malformed.
func FromRequest(r *http.Request) CorrelationID {
	if id := CorrelationID(r.Header.Get(HeaderCorrelationID)); id.IsValid() {
		return id
	}
	return NewCorrelationID()
}
