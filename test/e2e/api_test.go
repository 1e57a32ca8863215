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

package e2e

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/grinder/sdk"
	"github.com/tombee/grinder/test/e2e/harness"
)

// Health is public; everything else needs a session token.
func TestAuthBoundary(t *testing.T) {
	h := harness.Start(t)

	anon, err := sdk.New(sdk.WithBaseURL(h.Client.BaseURL()))
	require.NoError(t, err)

	require.NoError(t, anon.Ping(context.Background()), "health must not need auth")
	_, err = anon.Version(context.Background())
	require.NoError(t, err, "version must not need auth")

	_, err = anon.Tasks(context.Background(), sdk.ListTasksOptions{})
	var apiErr *sdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = anon.Login(context.Background(), harness.AdminUser, "wrong-password")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	ident, err := h.Client.AuthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, harness.AdminUser, ident.Username)
	assert.True(t, ident.IsAdmin)
}

// Gate limits read back what was applied, and presets are applyable.
func TestConcurrencyRoundTrip(t *testing.T) {
	h := harness.Start(t)
	ctx := context.Background()

	state, err := h.Client.Concurrency(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, state.Gates)
	require.Positive(t, state.Limits.GlobalTasks)

	limits := state.Limits
	limits.LLMTotal = 7
	limits.StageFetch = 9
	applied, err := h.Client.SetConcurrency(ctx, limits)
	require.NoError(t, err)
	assert.Equal(t, 7, applied.LLMTotal)
	assert.Equal(t, 9, applied.StageFetch)

	state, err = h.Client.Concurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, state.Limits.LLMTotal)

	presets, err := h.Client.Presets(ctx)
	require.NoError(t, err)
	require.Contains(t, presets, "balanced")

	fromPreset, err := h.Client.ApplyPreset(ctx, "light")
	require.NoError(t, err)
	assert.Equal(t, presets["light"].GlobalTasks, fromPreset.GlobalTasks)
}

// The provider catalogue is fixed; the harness-configured provider
// reports as enabled with a stored key.
func TestProviderCatalogue(t *testing.T) {
	h := harness.Start(t)
	ctx := context.Background()

	providers, err := h.Client.Providers(ctx)
	require.NoError(t, err)

	byID := make(map[string]*sdk.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	require.Contains(t, byID, "openai")
	require.Contains(t, byID, "deepseek")
	require.Contains(t, byID, "siliconflow")

	configured := byID[harness.ProviderID]
	assert.True(t, configured.Configured)
	assert.True(t, configured.Enabled)
	assert.True(t, configured.HasKey)

	result, err := h.Client.TestProvider(ctx, harness.ProviderID, false)
	require.NoError(t, err)
	assert.True(t, result.OK, result.Message)

	_, err = h.Client.TestProvider(ctx, "deepseek", false)
	require.Error(t, err, "unconfigured provider has nothing to test")
}

// Stats and the activity log reflect completed work.
func TestStatsAndActivity(t *testing.T) {
	h := harness.Start(t)
	h.SeedLocalProblem("701", harness.SumStatement("Observed Task"), nil)

	req := harness.LocalTask("701", harness.MemJudgeName)
	req.NoSolve = true
	detail, err := h.Client.CreateTask(context.Background(), req)
	require.NoError(t, err)
	final := h.WaitTask(detail.Task.ID, 60*time.Second)
	require.Equal(t, "completed", final.Task.Status)

	stats, err := h.Client.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Users, 1)
	assert.Equal(t, 1, stats.Tasks["completed"])

	activity, err := h.Client.Activity(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)

	seen := false
	for _, a := range activity {
		if a.Action == "task.create" {
			seen = true
		}
	}
	assert.True(t, seen, "task creation must be audited")
}

// A settled task can be deleted; its rows and workspaces go away.
func TestDeleteSettledTask(t *testing.T) {
	h := harness.Start(t)
	h.SeedLocalProblem("702", harness.SumStatement("Deleted Task"), nil)

	req := harness.LocalTask("702", harness.MemJudgeName)
	req.NoSolve = true
	detail, err := h.Client.CreateTask(context.Background(), req)
	require.NoError(t, err)
	final := h.WaitTask(detail.Task.ID, 60*time.Second)
	require.Equal(t, "completed", final.Task.Status)

	require.NoError(t, h.Client.DeleteTask(context.Background(), detail.Task.ID))

	_, err = h.Client.Task(context.Background(), detail.Task.ID)
	var apiErr *sdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
