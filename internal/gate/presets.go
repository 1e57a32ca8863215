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
	"sort"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

// presets are named limit sets for common deployment sizes. "balanced" is
// the stock configuration; "light" suits shared or low-memory hosts and
// "aggressive" suits a dedicated box with generous provider quotas.
var presets = map[string]Limits{
	"light": {
		GlobalTasks:        20,
		PerUser:            5,
		StageFetch:         4,
		StageUpload:        2,
		StageSolve:         2,
		StageCompile:       1,
		LLMTotal:           4,
		LLMPerProvider:     2,
		QueueSize:          200,
		TaskTimeoutSeconds: 600,
	},
	"balanced": DefaultLimits(),
	"aggressive": {
		GlobalTasks:        100,
		PerUser:            20,
		StageFetch:         20,
		StageUpload:        10,
		StageSolve:         10,
		StageCompile:       4,
		LLMTotal:           16,
		LLMPerProvider:     8,
		QueueSize:          1000,
		TaskTimeoutSeconds: 900,
	},
}

// Presets lists the available preset names, sorted.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns the limit set for a named preset.
func Preset(name string) (Limits, error) {
	l, ok := presets[name]
	if !ok {
		return Limits{}, &grindererrors.NotFoundError{Resource: "concurrency preset", ID: name}
	}
	return l, nil
}

// ApplyPreset reconfigures the controller to a named preset and returns the
// applied limits.
func (c *Controller) ApplyPreset(name string) (Limits, error) {
	l, err := Preset(name)
	if err != nil {
		return Limits{}, err
	}
	if err := c.Reconfigure(l); err != nil {
		return Limits{}, err
	}
	return l, nil
}
