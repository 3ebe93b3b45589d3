// Copyright 2025 The R2MIDI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package toolexec wraps the external command-line tools the pipeline drives
// (security, codesign, productsign, xcrun, spctl, ditto, xattr) behind a
// Runner interface so every caller can be tested against scripted results.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result holds the captured output of a single tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined, trimmed. Useful for diagnostics
// attached to errors.
func (r *Result) Combined() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// RunOptions configures a single invocation.
type RunOptions struct {
	// Stdin is fed to the tool's standard input when non-empty.
	Stdin string
	// Dir sets the working directory.
	Dir string
	// Env lists extra KEY=VALUE pairs appended to the current environment.
	Env []string
}

// Runner executes external tools.
//
// Run returns a non-nil Result whenever the tool was started, even on
// failure, so callers can surface the tool's own diagnostic. A non-zero exit
// status is returned as a *ExitError wrapping the Result.
type Runner interface {
	Run(ctx context.Context, tool string, args []string, opts *RunOptions) (*Result, error)
}

// ExitError reports a tool that ran but exited non-zero.
type ExitError struct {
	Tool   string
	Args   []string
	Result *Result
}

func (e *ExitError) Error() string {
	diag := e.Result.Combined()
	if diag == "" {
		diag = "(no output)"
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.Result.ExitCode, diag)
}

// ExecRunner is the production Runner built on os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner returns a Runner that executes tools on the local system.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the tool and captures stdout and stderr separately.
func (r *ExecRunner) Run(ctx context.Context, tool string, args []string, opts *RunOptions) (*Result, error) {
	cmd := exec.CommandContext(ctx, tool, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if opts != nil {
		if opts.Stdin != "" {
			cmd.Stdin = strings.NewReader(opts.Stdin)
		}
		if opts.Dir != "" {
			cmd.Dir = opts.Dir
		}
		if len(opts.Env) > 0 {
			cmd.Env = append(os.Environ(), opts.Env...)
		}
	}

	err := cmd.Run()

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{Tool: tool, Args: args, Result: result}
		}
		result.ExitCode = -1
		return result, fmt.Errorf("run %s: %w", tool, err)
	}

	return result, nil
}
