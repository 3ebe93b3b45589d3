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

package toolexec

import (
	"context"
	"strings"
	"sync"
)

// FakeCall records a single invocation made against a FakeRunner.
type FakeCall struct {
	Tool string
	Args []string
	Opts *RunOptions
}

// String renders the call the way it would appear on a command line.
func (c FakeCall) String() string {
	return c.Tool + " " + strings.Join(c.Args, " ")
}

type fakeStub struct {
	match  func(tool string, args []string) bool
	result *Result
	err    error
	// remaining is the number of times this stub may fire; negative means
	// unlimited.
	remaining int
}

// FakeRunner is a scripted Runner for tests. Stubs are matched in
// registration order; unmatched calls succeed with empty output.
type FakeRunner struct {
	mu    sync.Mutex
	calls []FakeCall
	stubs []*fakeStub
}

var _ Runner = (*FakeRunner)(nil)

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Stub registers a response for calls accepted by match. A stub fires an
// unlimited number of times.
func (f *FakeRunner) Stub(match func(tool string, args []string) bool, result *Result, err error) {
	f.stubOnceOrMore(match, result, err, -1)
}

// StubOnce registers a response consumed by a single matching call. Register
// several in sequence to script successive poll responses.
func (f *FakeRunner) StubOnce(match func(tool string, args []string) bool, result *Result, err error) {
	f.stubOnceOrMore(match, result, err, 1)
}

func (f *FakeRunner) stubOnceOrMore(match func(tool string, args []string) bool, result *Result, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result == nil {
		result = &Result{}
	}
	f.stubs = append(f.stubs, &fakeStub{match: match, result: result, err: err, remaining: times})
}

// MatchTool matches any invocation of the named tool whose arguments contain
// every given substring.
func MatchTool(tool string, argSubstrings ...string) func(string, []string) bool {
	return func(gotTool string, args []string) bool {
		if gotTool != tool {
			return false
		}
		joined := strings.Join(args, " ")
		for _, sub := range argSubstrings {
			if !strings.Contains(joined, sub) {
				return false
			}
		}
		return true
	}
}

// Failure builds the Result and error pair for a tool exiting non-zero.
func Failure(tool string, exitCode int, stderr string) (*Result, error) {
	res := &Result{Stderr: stderr, ExitCode: exitCode}
	return res, &ExitError{Tool: tool, Result: res}
}

// StubFailure registers an unlimited stub whose matching calls exit non-zero
// with the given stderr.
func (f *FakeRunner) StubFailure(match func(tool string, args []string) bool, tool string, exitCode int, stderr string) {
	res, err := Failure(tool, exitCode, stderr)
	f.stubOnceOrMore(match, res, err, -1)
}

// StubFailureOnce registers a failure consumed by a single matching call.
func (f *FakeRunner) StubFailureOnce(match func(tool string, args []string) bool, tool string, exitCode int, stderr string) {
	res, err := Failure(tool, exitCode, stderr)
	f.stubOnceOrMore(match, res, err, 1)
}

// Run records the call and returns the first live matching stub, or an empty
// success when nothing matches.
func (f *FakeRunner) Run(_ context.Context, tool string, args []string, opts *RunOptions) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, FakeCall{Tool: tool, Args: args, Opts: opts})

	for _, s := range f.stubs {
		if s.remaining == 0 {
			continue
		}
		if s.match(tool, args) {
			if s.remaining > 0 {
				s.remaining--
			}
			return s.result, s.err
		}
	}

	return &Result{}, nil
}

// Calls returns a copy of all recorded invocations.
func (f *FakeRunner) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded invocations of a single tool.
func (f *FakeRunner) CallsFor(tool string) []FakeCall {
	var out []FakeCall
	for _, c := range f.Calls() {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}
