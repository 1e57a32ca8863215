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

// Providers lists the known LLM providers and their configuration
// state. Stored API keys are never returned.
func (c *Client) Providers(ctx context.Context) ([]*Provider, error) {
	var result struct {
		Providers []*Provider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/providers", nil, &result); err != nil {
		return nil, err
	}
	return result.Providers, nil
}

// SaveProvider updates a provider's settings. Admin only.
func (c *Client) SaveProvider(ctx context.Context, name string, update ProviderUpdate) error {
	return c.do(ctx, http.MethodPut, "/v1/providers/"+url.PathEscape(name), update, nil)
}

// TestProvider checks a provider's credentials. With full, a live
// request is made; otherwise only the credential shape is checked.
func (c *Client) TestProvider(ctx context.Context, name string, full bool) (*ProviderTestResult, error) {
	path := "/v1/providers/" + url.PathEscape(name) + "/test"
	if full {
		path += "?full=true"
	}
	var result ProviderTestResult
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
