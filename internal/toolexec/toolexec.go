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

// Package toolexec runs governed commands on the local host. It is the
// ToolRunner the daemon (and the CLI's local mode) injects into the
// run_command action. Policy decisions happen in the action before a
// request reaches the runner; the runner only executes and reports.
package toolexec

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/tombee/maestro/pkg/action"
	"github.com/tombee/maestro/pkg/errors"
)

// DefaultMaxOutputBytes caps captured stdout and stderr individually.
const DefaultMaxOutputBytes = 1 << 20 // 1 MiB

// truncationMarker is appended to a stream that hit the capture cap.
const truncationMarker = "\n[output truncated]"

// Options configures a Runner. The zero value works.
type Options struct {
	// Dir is the working directory for commands that do not set their
	// own. Empty means the process working directory.
	Dir string

	// MaxOutputBytes caps captured stdout and stderr individually.
	// Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int

	// InheritEnv passes the daemon's environment through to commands.
	// Request env entries are layered on top either way.
	InheritEnv bool

	Logger *slog.Logger
}

// Runner executes commands with exec.CommandContext and reports exit
// codes in the result rather than as errors.
type Runner struct {
	dir        string
	maxOutput  int
	inheritEnv bool
	log        *slog.Logger
}

// New creates a Runner.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &Runner{
		dir:        opts.Dir,
		maxOutput:  maxOutput,
		inheritEnv: opts.InheritEnv,
		log:        logger.With(slog.String("component", "toolexec")),
	}
}

// RunCommand implements action.ToolRunner.
func (r *Runner) RunCommand(ctx context.Context, req action.CommandRequest) (*action.CommandResult, error) {
	if len(req.Argv) == 0 {
		return nil, &errors.ValidationError{
			Field:   "command",
			Message: "argv must not be empty",
		}
	}

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	if cmd.Dir == "" {
		cmd.Dir = r.dir
	}
	cmd.Env = r.environ(req.Env)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	stdout := newCapBuffer(r.maxOutput)
	stderr := newCapBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	// The context killing the process surfaces as an ExitError; report
	// the deadline or cancellation instead so it classifies correctly.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command %s: %w", req.Argv[0], ctxErr)
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, startError(req.Argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	r.log.Debug("command finished",
		slog.String("command", req.Argv[0]),
		slog.Int("exit_code", exitCode),
		slog.Int64("duration_ms", duration.Milliseconds()))

	return &action.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// environ builds the command environment: the daemon environment when
// inherited, with request entries layered on top in sorted order.
func (r *Runner) environ(extra map[string]string) []string {
	var env []string
	if r.inheritEnv {
		env = os.Environ()
	}
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// startError maps failures that happen before the command produced an
// exit code. A missing or unrunnable binary will not heal on retry.
func startError(name string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "command_not_found",
			Message: fmt.Sprintf("command %q not found", name),
			Cause:   err,
		}
	}
	if errors.Is(err, fs.ErrPermission) {
		return &errors.StepError{
			Class:   errors.ClassPermanent,
			Code:    "command_not_executable",
			Message: fmt.Sprintf("command %q is not executable", name),
			Cause:   err,
		}
	}
	return fmt.Errorf("starting command %s: %w", name, err)
}

// capBuffer captures up to max bytes and discards the rest, marking
// the capture truncated.
type capBuffer struct {
	buf       strings.Builder
	max       int
	truncated bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

// Write implements io.Writer. It never fails: overflow is dropped so a
// chatty command cannot stall on a full pipe.
func (b *capBuffer) Write(p []byte) (int, error) {
	if remaining := b.max - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
