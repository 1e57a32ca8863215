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

// Adapters lists the registered judge adapters with the caller's
// configured flag.
func (c *Client) Adapters(ctx context.Context) ([]*Adapter, error) {
	var result struct {
		Adapters []*Adapter `json:"adapters"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/adapters", nil, &result); err != nil {
		return nil, err
	}
	return result.Adapters, nil
}

// SaveAdapterConfig stores the caller's credentials for an adapter.
// Values are validated against the adapter's config schema.
func (c *Client) SaveAdapterConfig(ctx context.Context, name string, values map[string]string) error {
	return c.do(ctx, http.MethodPut, "/v1/adapters/"+url.PathEscape(name)+"/config", values, nil)
}
