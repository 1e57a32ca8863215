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

// Package metrics exposes the engine's Prometheus instrumentation.
// Collectors are package-level so any component can record without
// plumbing a registry through its constructor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/grinder/internal/gate"
)

var (
	// stageRuns counts stage executions by outcome. Outcomes are
	// "ok", "error", "cancelled" and "skipped".
	stageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grinder_stage_runs_total",
			Help: "Total stage executions by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// stageDuration observes wall time per executed stage. Skipped
	// stages are not observed.
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grinder_stage_duration_seconds",
			Help:    "Stage execution wall time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// problemsSettled counts terminal problem states.
	problemsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grinder_problems_settled_total",
			Help: "Total problems reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	// gateInUse mirrors the current holder count of each gate.
	gateInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grinder_gate_in_use",
			Help: "Current holders per concurrency gate",
		},
		[]string{"gate"},
	)

	// gateLimit mirrors the configured limit of each gate.
	gateLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grinder_gate_limit",
			Help: "Configured limit per concurrency gate",
		},
		[]string{"gate"},
	)

	// gateWaiting mirrors the blocked-acquirer count of each gate.
	gateWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grinder_gate_waiting",
			Help: "Blocked acquirers per concurrency gate",
		},
		[]string{"gate"},
	)

	// llmCalls counts chat completion round trips by outcome
	// ("ok" or "error").
	llmCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grinder_llm_calls_total",
			Help: "Total LLM calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// llmTokens counts tokens by direction ("input" or "output").
	llmTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grinder_llm_tokens_total",
			Help: "Total LLM tokens by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	// tasksAdmitted counts task admissions into the queue.
	tasksAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grinder_tasks_admitted_total",
			Help: "Total tasks admitted into the queue",
		},
	)

	// tasksRejected counts admissions refused by the queue gate.
	tasksRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grinder_tasks_rejected_total",
			Help: "Total task admissions refused because the queue was full",
		},
	)
)

// RecordStage records one executed stage with its outcome and duration.
func RecordStage(stage, outcome string, elapsed time.Duration) {
	stageRuns.WithLabelValues(stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordStageSkip records a stage satisfied by the workspace.
func RecordStageSkip(stage string) {
	stageRuns.WithLabelValues(stage, "skipped").Inc()
}

// RecordProblemSettled records a problem reaching a terminal state.
func RecordProblemSettled(state string) {
	problemsSettled.WithLabelValues(state).Inc()
}

// RecordLLMCall records one completed provider round trip.
func RecordLLMCall(provider, outcome string) {
	llmCalls.WithLabelValues(provider, outcome).Inc()
}

// RecordLLMTokens adds a call's token usage to the provider counters.
func RecordLLMTokens(provider string, input, output int) {
	if input > 0 {
		llmTokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		llmTokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordAdmission records a queue admission decision.
func RecordAdmission(admitted bool) {
	if admitted {
		tasksAdmitted.Inc()
	} else {
		tasksRejected.Inc()
	}
}

// SyncGates refreshes the gate gauges from a controller snapshot.
// Called on a timer by the daemon; gauges between syncs lag by at most
// one interval.
func SyncGates(stats []gate.Stats) {
	for _, s := range stats {
		gateInUse.WithLabelValues(s.Name).Set(float64(s.InUse))
		gateLimit.WithLabelValues(s.Name).Set(float64(s.Limit))
		gateWaiting.WithLabelValues(s.Name).Set(float64(s.Waiting))
	}
}

// Handler serves the default registry, which is where promauto puts
// every collector above.
func Handler() http.Handler {
	return promhttp.Handler()
}
