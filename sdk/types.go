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

import "time"

// Task is one batch of problems moving through the pipeline.
type Task struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	Status        string     `json:"status"`
	Stages        []string   `json:"stages"`
	TargetAdapter string     `json:"target_adapter"`
	Provider      string     `json:"provider,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Problem is one problem within a task.
type Problem struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	UserID         int64     `json:"user_id"`
	RawRef         string    `json:"raw_ref"`
	SourceAdapter  string    `json:"source_adapter"`
	ShortID        string    `json:"short_id"`
	Canonical      string    `json:"canonical"`
	WorkspaceKey   string    `json:"workspace_key"`
	State          string    `json:"state"`
	FetchAttempts  int       `json:"fetch_attempts"`
	GenAttempts    int       `json:"gen_attempts"`
	UploadAttempts int       `json:"upload_attempts"`
	SolveAttempts  int       `json:"solve_attempts"`
	LastErrorKind  string    `json:"last_error_kind,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	RealID         string    `json:"real_id,omitempty"`
	UploadedURL    string    `json:"uploaded_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TaskDetail is one task with its problem rows.
type TaskDetail struct {
	Task     *Task      `json:"task"`
	Problems []*Problem `json:"problems"`
}

// TaskSummary is one task row with per-state problem counts.
type TaskSummary struct {
	Task   *Task          `json:"task"`
	Counts map[string]int `json:"counts"`
}

// TrainingSpec selects problems from a judge's training material.
type TrainingSpec struct {
	Adapter string `json:"adapter"`
	ID      string `json:"id,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Range   string `json:"range,omitempty"`
}

// CreateTaskRequest is the body of POST /v1/tasks.
type CreateTaskRequest struct {
	// Problems lists explicit problem ids or URLs.
	Problems []string `json:"problems,omitempty"`

	// SourceAdapter resolves bare ids that no adapter claims.
	SourceAdapter string `json:"source_adapter,omitempty"`

	// Training expands to a judge's training problem list.
	Training *TrainingSpec `json:"training,omitempty"`

	// Filter is an expression over {id, index} trimming the expansion.
	Filter string `json:"filter,omitempty"`

	// Stages restricts the pipeline to the named stages, in order.
	Stages []string `json:"stages,omitempty"`

	// NoSolve skips the solve stage.
	NoSolve bool `json:"no_solve,omitempty"`

	// TargetAdapter names the judge uploads go to.
	TargetAdapter string `json:"target_adapter,omitempty"`

	// Provider pins LLM calls to one provider.
	Provider string `json:"provider,omitempty"`
}

// ListTasksOptions filter GET /v1/tasks.
type ListTasksOptions struct {
	Status string
	Search string
	Source string
	Target string
	Limit  int
	Offset int
}

// Session is a successful login.
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Identity describes the authenticated caller.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// ConfigField is one field of an adapter's config schema.
type ConfigField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
	Help     string `json:"help,omitempty"`
	Default  string `json:"default,omitempty"`
}

// Adapter describes a registered judge adapter.
type Adapter struct {
	Name         string        `json:"name"`
	DisplayName  string        `json:"display_name"`
	Version      string        `json:"version"`
	Capabilities []string      `json:"capabilities"`
	ConfigSchema []ConfigField `json:"config_schema"`
	Configured   bool          `json:"configured"`
	Default      bool          `json:"default,omitempty"`
}

// Provider describes an LLM provider. API keys never appear here;
// HasKey reports whether one is stored.
type Provider struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name"`
	Description  string     `json:"description,omitempty"`
	Capabilities []string   `json:"capabilities"`
	Selectable   bool       `json:"selectable"`
	Configured   bool       `json:"configured"`
	Enabled      bool       `json:"enabled"`
	HasKey       bool       `json:"has_key"`
	BaseURL      string     `json:"base_url,omitempty"`
	Model        string     `json:"model,omitempty"`
	SummaryModel string     `json:"summary_model,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// ProviderUpdate is the body of PUT /v1/providers/{name}. An empty
// APIKey preserves the stored key; a nil Enabled preserves the flag.
type ProviderUpdate struct {
	APIKey       string `json:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model,omitempty"`
	SummaryModel string `json:"summary_model,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// ProviderTestResult reports a provider health check.
type ProviderTestResult struct {
	Configured bool          `json:"configured"`
	Reachable  bool          `json:"reachable"`
	OK         bool          `json:"ok"`
	Message    string        `json:"message"`
	Model      string        `json:"model,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
}

// Limits are the daemon's concurrency limits.
type Limits struct {
	GlobalTasks        int `json:"global_tasks"`
	PerUser            int `json:"per_user"`
	StageFetch         int `json:"stage_fetch"`
	StageUpload        int `json:"stage_upload"`
	StageSolve         int `json:"stage_solve"`
	StageCompile       int `json:"stage_compile"`
	LLMTotal           int `json:"llm_total"`
	LLMPerProvider     int `json:"llm_per_provider"`
	QueueSize          int `json:"queue_size"`
	TaskTimeoutSeconds int `json:"task_timeout_seconds"`
}

// GateStat is a point-in-time view of one gate.
type GateStat struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	InUse         int    `json:"in_use"`
	Waiting       int    `json:"waiting"`
	TotalAcquired uint64 `json:"total_acquired"`
	TotalReleased uint64 `json:"total_released"`
}

// ConcurrencyState is GET /v1/concurrency.
type ConcurrencyState struct {
	Limits Limits     `json:"limits"`
	Gates  []GateStat `json:"gates"`
}

// QueueStats is GET /v1/concurrency/queue.
type QueueStats struct {
	Tasks map[string]int `json:"tasks"`
	Total int            `json:"total"`
	Gates []GateStat     `json:"gates"`
}

// Stats is GET /v1/stats.
type Stats struct {
	Tasks            map[string]int `json:"tasks"`
	Users            int            `json:"users"`
	EventSubscribers int            `json:"event_subscribers"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	Version          string         `json:"version"`
}

// Activity is one audit log entry.
type Activity struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one entry from the daemon's event stream.
type Event struct {
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id"`
	UserID    int64     `json:"user_id,omitempty"`
	ProblemID int64     `json:"problem_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"ts"`
}

// Health is GET /v1/health.
type Health struct {
	Status string `json:"status"`
}

// Version is GET /v1/version.
type Version struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
}
