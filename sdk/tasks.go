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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// CreateTask submits a batch of problems. The returned detail carries
// the task id to poll with Task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskDetail, error) {
	var detail TaskDetail
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Tasks lists the caller's tasks, newest first.
func (c *Client) Tasks(ctx context.Context, opts ListTasksOptions) ([]*TaskSummary, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	if opts.Target != "" {
		q.Set("target", opts.Target)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result struct {
		Tasks []*TaskSummary `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// Task returns one task with its problems.
func (c *Client) Task(ctx context.Context, id string) (*TaskDetail, error) {
	var detail TaskDetail
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// RetryTask re-runs a task's failed problems from the given stage.
// An empty stage retries everything from scratch. Returns the number
// of problems redispatched.
func (c *Client) RetryTask(ctx context.Context, id, stage string) (int, error) {
	var result struct {
		Redispatched int `json:"redispatched"`
	}
	body := map[string]string{}
	if stage != "" {
		body["stage"] = stage
	}
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/retry", body, &result)
	if err != nil {
		return 0, err
	}
	return result.Redispatched, nil
}

// CancelTask requests cancellation. Cancellation is asynchronous; poll
// Task until the status settles.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// DeleteTask removes a settled task and its workspaces.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, nil)
}

// DownloadWorkspace streams the task's workspaces as a zip archive.
// The caller must close the reader.
func (c *Client) DownloadWorkspace(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.raw(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/download", nil, "application/zip")
	if err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}
	return resp.Body, nil
}
