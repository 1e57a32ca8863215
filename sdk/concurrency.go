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
	"context"
	"net/http"
	"net/url"
)

// Concurrency returns the effective limits and live gate stats.
func (c *Client) Concurrency(ctx context.Context) (*ConcurrencyState, error) {
	var state ConcurrencyState
	if err := c.do(ctx, http.MethodGet, "/v1/concurrency", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetConcurrency applies new limits. Admin only. Limits apply to
// in-flight gates immediately and persist across restarts.
func (c *Client) SetConcurrency(ctx context.Context, limits Limits) (*Limits, error) {
	var result struct {
		Limits Limits `json:"limits"`
	}
	if err := c.do(ctx, http.MethodPut, "/v1/concurrency", limits, &result); err != nil {
		return nil, err
	}
	return &result.Limits, nil
}

// QueueStats returns task counts by status plus the gate snapshot.
func (c *Client) QueueStats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	if err := c.do(ctx, http.MethodGet, "/v1/concurrency/queue", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Presets returns the named concurrency presets.
func (c *Client) Presets(ctx context.Context) (map[string]Limits, error) {
	var result struct {
		Presets map[string]Limits `json:"presets"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/concurrency/presets", nil, &result); err != nil {
		return nil, err
	}
	return result.Presets, nil
}

// ApplyPreset applies and persists a named preset. Admin only.
func (c *Client) ApplyPreset(ctx context.Context, name string) (*Limits, error) {
	var result struct {
		Preset string `json:"preset"`
		Limits Limits `json:"limits"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/concurrency/presets/"+url.PathEscape(name), nil, &result)
	if err != nil {
		return nil, err
	}
	return &result.Limits, nil
}
