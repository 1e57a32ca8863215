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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationContextRoundTrip(t *testing.T) {
	id := NewCorrelationID()
	require.True(t, id.IsValid())

	ctx := ToContext(context.Background(), id)
	assert.Equal(t, id, FromContextOrEmpty(ctx))
}

func TestCorrelationEmptyContext(t *testing.T) {
	got := FromContextOrEmpty(context.Background())
	assert.Empty(t, got)
	assert.False(t, got.IsValid())
}

func TestCorrelationIsValid(t *testing.T) {
	assert.True(t, CorrelationID("0b8f3a1e-7c4d-4b6a-9e2f-1d5c8a7b3e90").IsValid())
	assert.False(t, CorrelationID("").IsValid())
	assert.False(t, CorrelationID("not-a-uuid").IsValid())
	assert.False(t, CorrelationID("0b8f3a1e7c4d4b6a9e2f1d5c8a7b3e90\n").IsValid())
}

func TestFromRequestKeepsValidHeader(t *testing.T) {
	id := NewCorrelationID()
	r := httptest.NewRequest("GET", "/v1/tasks", nil)
	r.Header.Set(HeaderCorrelationID, id.String())

	assert.Equal(t, id, FromRequest(r))
}

func TestFromRequestReplacesMalformedHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/tasks", nil)
	r.Header.Set(HeaderCorrelationID, "../../etc/passwd")

	got := FromRequest(r)
	require.True(t, got.IsValid())
	assert.NotEqual(t, "../../etc/passwd", got.String())
}
