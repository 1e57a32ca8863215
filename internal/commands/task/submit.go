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

package task

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/grinder/internal/commands/shared"
	"github.com/tombee/grinder/sdk"
)

func newSubmitCmd() *cobra.Command {
	var (
		sourceAdapter   string
		trainingAdapter string
		trainingID      string
		trainingTag     string
		trainingRange   string
		filter          string
		stages          []string
		noSolve         bool
		target          string
		provider        string
		watch           bool
	)

	cmd := &cobra.Command{
		Use:   "submit [problem...]",
		Short: "Submit a batch of problems",
		Long: `Submit problems to the pipeline.

Problems are short ids (P1001, 4A) or judge URLs. Bare ids are matched
against known id shapes; --source pins them to one adapter instead.
A training selector expands server-side into the training's problem
list, optionally trimmed by --filter.

Examples:
  # Two problems, full pipeline, default target
  grinder task submit P1001 4A

  # A whole training, first 50 problems only
  grinder task submit --training-adapter shsoj --training-id 305 --filter 'index < 50'

  # Generate data without uploading anywhere
  grinder task submit P1001 --stages fetch,gen`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := sdk.CreateTaskRequest{
				Problems:      args,
				SourceAdapter: sourceAdapter,
				Filter:        filter,
				NoSolve:       noSolve,
				TargetAdapter: target,
				Provider:      provider,
			}
			for _, group := range stages {
				for _, st := range strings.Split(group, ",") {
					if st = strings.TrimSpace(st); st != "" {
						req.Stages = append(req.Stages, st)
					}
				}
			}
			if trainingAdapter != "" || trainingID != "" || trainingTag != "" || trainingRange != "" {
				req.Training = &sdk.TrainingSpec{
					Adapter: trainingAdapter,
					ID:      trainingID,
					Tag:     trainingTag,
					Range:   trainingRange,
				}
			}
			if len(req.Problems) == 0 && req.Training == nil {
				return shared.NewUsageError("nothing to submit: give problem references or a training selector")
			}

			client, err := shared.NewClient()
			if err != nil {
				return err
			}
			detail, err := client.CreateTask(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() && !watch {
				return shared.EmitJSON(out, detail)
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf(
					"Task %s submitted: %d problems, stages %s, target %s",
					detail.Task.ID, len(detail.Problems),
					strings.Join(detail.Task.Stages, "+"), detail.Task.TargetAdapter)))
			}

			if watch {
				return watchTask(cmd, client, detail.Task.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceAdapter, "source", "", "Adapter that claims every bare reference")
	cmd.Flags().StringVar(&trainingAdapter, "training-adapter", "", "Adapter providing the training list")
	cmd.Flags().StringVar(&trainingID, "training-id", "", "Training list id")
	cmd.Flags().StringVar(&trainingTag, "tag", "", "Select training problems by tag")
	cmd.Flags().StringVar(&trainingRange, "range", "", "Select training problems by id range (lo-hi)")
	cmd.Flags().StringVar(&filter, "filter", "", "Expression over {id, index} trimming the expansion")
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "Stages to run (fetch, gen, upload, solve; default all)")
	cmd.Flags().BoolVar(&noSolve, "no-solve", false, "Skip the solve stage")
	cmd.Flags().StringVar(&target, "target", "", "Target judge adapter (default: daemon's default)")
	cmd.Flags().StringVar(&provider, "provider", "", "Pin LLM calls to one provider")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream progress until the task settles")
	return cmd
}
