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

package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

// Well-known gate names. Per-user and per-provider gates are families:
// one gate per distinct user id or provider name, all sharing one limit.
const (
	GlobalTasks  = "global_tasks"
	PerUser      = "per_user"
	StageFetch   = "stage.fetch"
	StageUpload  = "stage.upload"
	StageSolve   = "stage.solve"
	StageCompile = "stage.compile"
	LLMTotal     = "llm.total"
	Queue        = "queue"
)

// LLMProvider returns the gate name for a provider's LLM gate.
func LLMProvider(name string) string { return "llm." + name }

// UserGate returns the display name for one user's gate in snapshots.
func UserGate(userID int64) string { return "per_user." + strconv.FormatInt(userID, 10) }

// Limits is the full concurrency configuration. Zero values are replaced
// with defaults when a Controller is built or reconfigured.
type Limits struct {
	GlobalTasks        int `json:"global_tasks" yaml:"global_tasks"`
	PerUser            int `json:"per_user" yaml:"per_user"`
	StageFetch         int `json:"stage_fetch" yaml:"stage_fetch"`
	StageUpload        int `json:"stage_upload" yaml:"stage_upload"`
	StageSolve         int `json:"stage_solve" yaml:"stage_solve"`
	StageCompile       int `json:"stage_compile" yaml:"stage_compile"`
	LLMTotal           int `json:"llm_total" yaml:"llm_total"`
	LLMPerProvider     int `json:"llm_per_provider" yaml:"llm_per_provider"`
	QueueSize          int `json:"queue_size" yaml:"queue_size"`
	TaskTimeoutSeconds int `json:"task_timeout_seconds" yaml:"task_timeout_seconds"`
}

// DefaultLimits returns the stock limit set.
func DefaultLimits() Limits {
	return Limits{
		GlobalTasks:        50,
		PerUser:            10,
		StageFetch:         10,
		StageUpload:        5,
		StageSolve:         5,
		StageCompile:       2,
		LLMTotal:           8,
		LLMPerProvider:     4,
		QueueSize:          500,
		TaskTimeoutSeconds: 600,
	}
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	check := func(key string, v int) error {
		if v < 0 {
			return &grindererrors.ConfigError{Key: "concurrency." + key, Reason: "limit cannot be negative"}
		}
		return nil
	}
	for _, f := range []struct {
		key string
		v   int
	}{
		{"global_tasks", l.GlobalTasks},
		{"per_user", l.PerUser},
		{"stage_fetch", l.StageFetch},
		{"stage_upload", l.StageUpload},
		{"stage_solve", l.StageSolve},
		{"stage_compile", l.StageCompile},
		{"llm_total", l.LLMTotal},
		{"llm_per_provider", l.LLMPerProvider},
		{"queue_size", l.QueueSize},
		{"task_timeout_seconds", l.TaskTimeoutSeconds},
	} {
		if err := check(f.key, f.v); err != nil {
			return err
		}
	}
	return nil
}

// WithDefaults fills zero fields from the stock limit set.
func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.GlobalTasks == 0 {
		l.GlobalTasks = def.GlobalTasks
	}
	if l.PerUser == 0 {
		l.PerUser = def.PerUser
	}
	if l.StageFetch == 0 {
		l.StageFetch = def.StageFetch
	}
	if l.StageUpload == 0 {
		l.StageUpload = def.StageUpload
	}
	if l.StageSolve == 0 {
		l.StageSolve = def.StageSolve
	}
	if l.StageCompile == 0 {
		l.StageCompile = def.StageCompile
	}
	if l.LLMTotal == 0 {
		l.LLMTotal = def.LLMTotal
	}
	if l.LLMPerProvider == 0 {
		l.LLMPerProvider = def.LLMPerProvider
	}
	if l.QueueSize == 0 {
		l.QueueSize = def.QueueSize
	}
	if l.TaskTimeoutSeconds == 0 {
		l.TaskTimeoutSeconds = def.TaskTimeoutSeconds
	}
	return l
}

// Controller owns every gate in the process. It is the single source of
// truth for concurrency limits: stage executors, the LLM pool and the task
// queue all acquire through it, and hot reconfiguration resizes the live
// gates in place.
type Controller struct {
	mu        sync.Mutex
	limits    Limits
	gates     map[string]*Gate
	users     map[int64]*Gate
	providers map[string]*Gate
	hosts     map[string]*rate.Limiter
	hostRate  rate.Limit
	hostBurst int
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithHostRate sets the per-adapter-host request smoothing rate.
func WithHostRate(perSecond float64, burst int) Option {
	return func(c *Controller) {
		c.hostRate = rate.Limit(perSecond)
		c.hostBurst = burst
	}
}

// NewController builds a controller with the given limits; zero fields fall
// back to defaults.
func NewController(limits Limits, opts ...Option) *Controller {
	limits = limits.WithDefaults()
	c := &Controller{
		limits:    limits,
		gates:     make(map[string]*Gate),
		users:     make(map[int64]*Gate),
		providers: make(map[string]*Gate),
		hosts:     make(map[string]*rate.Limiter),
		hostRate:  rate.Limit(5),
		hostBurst: 5,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gates[GlobalTasks] = New(GlobalTasks, limits.GlobalTasks)
	c.gates[StageFetch] = New(StageFetch, limits.StageFetch)
	c.gates[StageUpload] = New(StageUpload, limits.StageUpload)
	c.gates[StageSolve] = New(StageSolve, limits.StageSolve)
	c.gates[StageCompile] = New(StageCompile, limits.StageCompile)
	c.gates[LLMTotal] = New(LLMTotal, limits.LLMTotal)
	c.gates[Queue] = New(Queue, limits.QueueSize)
	return c
}

// Limits returns the current configuration.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// TaskTimeout is the wall-clock budget for one problem through the pipeline.
func (c *Controller) TaskTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.limits.TaskTimeoutSeconds) * time.Second
}

func (c *Controller) gate(name string) (*Gate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[name]
	return g, ok
}

func (c *Controller) userGate(userID int64) *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.users[userID]
	if !ok {
		g = New(UserGate(userID), c.limits.PerUser)
		c.users[userID] = g
	}
	return g
}

func (c *Controller) providerGate(provider string) *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.providers[provider]
	if !ok {
		g = New(LLMProvider(provider), c.limits.LLMPerProvider)
		c.providers[provider] = g
	}
	return g
}

// Acquire takes a permit from a named gate. Unknown names are unrestricted
// and succeed immediately.
func (c *Controller) Acquire(ctx context.Context, name string) error {
	g, ok := c.gate(name)
	if !ok {
		return nil
	}
	return g.Acquire(ctx)
}

// Release returns a permit to a named gate.
func (c *Controller) Release(name string) {
	if g, ok := c.gate(name); ok {
		g.Release()
	}
}

// acquireAll takes permits from the gates in order, unwinding on failure so
// a cancelled caller holds nothing.
func acquireAll(ctx context.Context, gates ...*Gate) (func(), error) {
	held := make([]*Gate, 0, len(gates))
	for _, g := range gates {
		if g == nil {
			continue
		}
		if err := g.Acquire(ctx); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Release()
			}
			return nil, err
		}
		held = append(held, g)
	}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release()
		}
	}
	return release, nil
}

// AcquireProblem admits one problem into the pipeline: global first, then
// the caller's per-user gate. The returned release must be called exactly
// once when the problem leaves the pipeline.
func (c *Controller) AcquireProblem(ctx context.Context, userID int64) (func(), error) {
	global, _ := c.gate(GlobalTasks)
	return acquireAll(ctx, global, c.userGate(userID))
}

// AcquireStage takes the gate for a pipeline stage ("fetch", "upload",
// "solve"). Stages without a gate, such as generate, pass through.
func (c *Controller) AcquireStage(ctx context.Context, stage string) (func(), error) {
	g, ok := c.gate("stage." + stage)
	if !ok {
		return func() {}, nil
	}
	return acquireAll(ctx, g)
}

// AcquireLLM takes llm.total and then the provider's own gate, in that
// order.
func (c *Controller) AcquireLLM(ctx context.Context, provider string) (func(), error) {
	total, _ := c.gate(LLMTotal)
	return acquireAll(ctx, total, c.providerGate(provider))
}

// AcquireCompile bounds local compile-and-run validation, which is CPU
// bound rather than network bound.
func (c *Controller) AcquireCompile(ctx context.Context) (func(), error) {
	g, _ := c.gate(StageCompile)
	return acquireAll(ctx, g)
}

// TryAdmit claims a queue slot without blocking. It returns false when the
// queue is full; the caller rejects the submission instead of waiting.
func (c *Controller) TryAdmit() (func(), bool) {
	g, _ := c.gate(Queue)
	if !g.TryAcquire() {
		return nil, false
	}
	return g.Release, true
}

// SetLimit rebases a single named gate and records the new limit in the
// configuration. Family names (per_user, llm.<provider>) resize every gate
// in the family.
func (c *Controller) SetLimit(name string, max int) error {
	if max < 0 {
		return &grindererrors.ConfigError{Key: name, Reason: "limit cannot be negative"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case GlobalTasks:
		c.limits.GlobalTasks = max
	case PerUser:
		c.limits.PerUser = max
		for _, g := range c.users {
			g.Resize(max)
		}
		return nil
	case StageFetch:
		c.limits.StageFetch = max
	case StageUpload:
		c.limits.StageUpload = max
	case StageSolve:
		c.limits.StageSolve = max
	case StageCompile:
		c.limits.StageCompile = max
	case LLMTotal:
		c.limits.LLMTotal = max
	case Queue:
		c.limits.QueueSize = max
	default:
		return fmt.Errorf("unknown gate %q", name)
	}
	c.gates[name].Resize(max)
	return nil
}

// Reconfigure rebases every gate to the new limit set. Held permits remain
// valid; waiting acquirers see the new limits immediately.
func (c *Controller) Reconfigure(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	limits = limits.WithDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.limits = limits
	c.gates[GlobalTasks].Resize(limits.GlobalTasks)
	c.gates[StageFetch].Resize(limits.StageFetch)
	c.gates[StageUpload].Resize(limits.StageUpload)
	c.gates[StageSolve].Resize(limits.StageSolve)
	c.gates[StageCompile].Resize(limits.StageCompile)
	c.gates[LLMTotal].Resize(limits.LLMTotal)
	c.gates[Queue].Resize(limits.QueueSize)
	for _, g := range c.users {
		g.Resize(limits.PerUser)
	}
	for _, g := range c.providers {
		g.Resize(limits.LLMPerProvider)
	}

	c.logger.Info("concurrency limits reconfigured",
		"global_tasks", limits.GlobalTasks,
		"per_user", limits.PerUser,
		"llm_total", limits.LLMTotal,
	)
	return nil
}

// WaitHost smooths outbound requests to one adapter host, blocking until
// the host's rate limiter admits the call or ctx is cancelled.
func (c *Controller) WaitHost(ctx context.Context, host string) error {
	c.mu.Lock()
	lim, ok := c.hosts[host]
	if !ok {
		lim = rate.NewLimiter(c.hostRate, c.hostBurst)
		c.hosts[host] = lim
	}
	c.mu.Unlock()
	return lim.Wait(ctx)
}

// Snapshot reports every gate's stats: the fixed gates in a stable order,
// then per-user and per-provider gates that have ever been touched.
func (c *Controller) Snapshot() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Stats, 0, len(c.gates)+len(c.users)+len(c.providers))
	for _, name := range []string{GlobalTasks, StageFetch, StageUpload, StageSolve, StageCompile, LLMTotal, Queue} {
		out = append(out, c.gates[name].Stats())
	}

	userIDs := make([]int64, 0, len(c.users))
	for id := range c.users {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	for _, id := range userIDs {
		out = append(out, c.users[id].Stats())
	}

	provs := make([]string, 0, len(c.providers))
	for p := range c.providers {
		provs = append(provs, p)
	}
	sort.Strings(provs)
	for _, p := range provs {
		out = append(out, c.providers[p].Stats())
	}
	return out
}

// StatsFor returns one gate's stats by name, resolving user and provider
// family members too.
func (c *Controller) StatsFor(name string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.gates[name]; ok {
		return g.Stats(), true
	}
	for _, g := range c.users {
		if g.Name() == name {
			return g.Stats(), true
		}
	}
	for _, g := range c.providers {
		if g.Name() == name {
			return g.Stats(), true
		}
	}
	return Stats{}, false
}
