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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tombee/grinder/internal/gate"
)

func TestRecordStage(t *testing.T) {
	before := testutil.ToFloat64(stageRuns.WithLabelValues("fetch", "ok"))
	RecordStage("fetch", "ok", 250*time.Millisecond)
	after := testutil.ToFloat64(stageRuns.WithLabelValues("fetch", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordLLMTokens(t *testing.T) {
	RecordLLMTokens("deepseek", 120, 64)
	assert.Equal(t, float64(120), testutil.ToFloat64(llmTokens.WithLabelValues("deepseek", "input")))
	assert.Equal(t, float64(64), testutil.ToFloat64(llmTokens.WithLabelValues("deepseek", "output")))

	// Zero counts do not create series.
	RecordLLMTokens("deepseek-zero", 0, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(llmTokens.WithLabelValues("deepseek-zero", "input")))
}

func TestSyncGates(t *testing.T) {
	SyncGates([]gate.Stats{
		{Name: "global_tasks", Limit: 50, InUse: 3, Waiting: 1},
		{Name: "stage.solve", Limit: 5, InUse: 5, Waiting: 7},
	})

	assert.Equal(t, float64(3), testutil.ToFloat64(gateInUse.WithLabelValues("global_tasks")))
	assert.Equal(t, float64(50), testutil.ToFloat64(gateLimit.WithLabelValues("global_tasks")))
	assert.Equal(t, float64(7), testutil.ToFloat64(gateWaiting.WithLabelValues("stage.solve")))
}

func TestRecordAdmission(t *testing.T) {
	admitted := testutil.ToFloat64(tasksAdmitted)
	rejected := testutil.ToFloat64(tasksRejected)

	RecordAdmission(true)
	RecordAdmission(false)

	assert.Equal(t, admitted+1, testutil.ToFloat64(tasksAdmitted))
	assert.Equal(t, rejected+1, testutil.ToFloat64(tasksRejected))
}
