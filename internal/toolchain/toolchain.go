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

// Package toolchain runs the pipeline's local subprocesses: generator
// scripts, reference solution compilation, and bounded per-case solution
// runs. Every execution is wall-clock bounded; a process that overruns is
// killed and reported as timed out rather than erroring.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/grinder/internal/config"
)

// stderrTail bounds how much compiler or script noise is kept for
// diagnostics.
const stderrTail = 64 << 10

// RunResult is the observable outcome of one bounded subprocess. Callers
// decide what an outcome means; the runner only reports it.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Ok reports a clean exit within the time bound.
func (r *RunResult) Ok() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// FailureSummary renders a one-line diagnostic for stage logs.
func (r *RunResult) FailureSummary() string {
	if r.TimedOut {
		return fmt.Sprintf("timed out after %v", r.Duration.Round(time.Millisecond))
	}
	msg := fmt.Sprintf("exit code %d", r.ExitCode)
	if s := strings.TrimSpace(r.Stderr); s != "" {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[:i]
		}
		msg += ": " + s
	}
	return msg
}

// Runner executes local toolchain steps under the solver configuration.
type Runner struct {
	cfg    config.SolverConfig
	logger *slog.Logger
}

// New creates a runner. A nil logger falls back to the default.
func New(cfg config.SolverConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "toolchain")}
}

// run spawns one bounded subprocess and captures its output. The error
// return is reserved for spawn-level failures (missing interpreter, bad
// working directory); a non-zero exit or a timeout is reported on the
// result.
func (r *Runner) run(ctx context.Context, timeout time.Duration, dir string, stdin io.Reader, name string, args ...string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   truncateTail(stderr.String()),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		r.logger.Debug("subprocess timed out", "cmd", name, "timeout", timeout)
		return result, nil
	}
	if ctx.Err() != nil {
		// The caller was cancelled, not the time bound.
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return result, nil
}

// RunGenerator executes a generator script with the output directory as
// its working directory, bounded by the generator timeout. The script's
// contract is to write its case files into the current directory.
func (r *Runner) RunGenerator(ctx context.Context, script, outDir string) (*RunResult, error) {
	timeout := r.cfg.GenTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return r.run(ctx, timeout, outDir, nil, r.cfg.Python, script)
}

// CompileCPP compiles one source file into out, bounded by the compile
// timeout. A compiler diagnostic is a result with a non-zero exit code,
// not an error.
func (r *Runner) CompileCPP(ctx context.Context, src, out string) (*RunResult, error) {
	timeout := r.cfg.CompileTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	args := append(r.cfg.CXXFlagList(), "-o", out, src)
	return r.run(ctx, timeout, filepath.Dir(src), nil, r.cfg.CXX, args...)
}

// Executable is a prepared solution ready to run against test cases.
type Executable struct {
	argv []string
}

// BuildSolution prepares a solution for case runs. C++ sources are
// compiled into workDir; a compile diagnostic comes back as a non-nil
// RunResult with Ok() false and a nil Executable. Python sources need no
// build step.
func (r *Runner) BuildSolution(ctx context.Context, language, src, workDir string) (*Executable, *RunResult, error) {
	switch language {
	case "cpp":
		bin := filepath.Join(workDir, "solution.bin")
		res, err := r.CompileCPP(ctx, src, bin)
		if err != nil {
			return nil, nil, err
		}
		if !res.Ok() {
			return nil, res, nil
		}
		return &Executable{argv: []string{bin}}, res, nil
	case "python":
		return &Executable{argv: []string{r.cfg.Python, src}}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported solution language: %s", language)
	}
}

// RunCase executes a prepared solution against one input, bounded by
// timeLimit (the configured run time limit when zero).
func (r *Runner) RunCase(ctx context.Context, exe *Executable, input io.Reader, timeLimit time.Duration) (*RunResult, error) {
	if timeLimit <= 0 {
		timeLimit = r.cfg.RunTimeLimit
	}
	if timeLimit <= 0 {
		timeLimit = time.Second
	}
	return r.run(ctx, timeLimit, "", input, exe.argv[0], exe.argv[1:]...)
}

func truncateTail(s string) string {
	if len(s) <= stderrTail {
		return s
	}
	return s[len(s)-stderrTail:]
}
