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

package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Stage identifies one step of the release pipeline.
type Stage string

const (
	StageCredentials Stage = "credentials"
	StageKeychain    Stage = "keychain"
	StageSanitize    Stage = "sanitize"
	StageGraph       Stage = "graph"
	StageSign        Stage = "sign"
	StagePackage     Stage = "package"
	StageSubmit      Stage = "submit"
	StagePoll        Stage = "poll"
	StageStaple      Stage = "staple"
	StageVerify      Stage = "verify"
)

// Outcome is how a stage ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeWarning Outcome = "warning"
	OutcomeFailed  Outcome = "failed"
)

// StageResult is one append-only entry in the run report.
type StageResult struct {
	Stage     Stage         `json:"stage"`
	Target    string        `json:"target,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Report aggregates a pipeline run for humans and for external report
// generators consuming the JSON form.
type Report struct {
	Artifact   string        `json:"artifact"`
	Package    string        `json:"package,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Success    bool          `json:"success"`
	Results    []StageResult `json:"results"`
}

func (r *Report) add(res StageResult) {
	r.Results = append(r.Results, res)
}

// Warnings returns the non-fatal findings of the run.
func (r *Report) Warnings() []StageResult {
	var out []StageResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeWarning {
			out = append(out, res)
		}
	}
	return out
}

// Summary renders a one-line-per-stage digest.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", r.Artifact)
	if r.Success {
		b.WriteString("success")
	} else {
		b.WriteString("failed")
	}
	fmt.Fprintf(&b, " in %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	for _, res := range r.Results {
		fmt.Fprintf(&b, "  %-12s %s", res.Stage, res.Outcome)
		if res.Target != "" {
			fmt.Fprintf(&b, "  %s", res.Target)
		}
		if res.ErrorKind != "" {
			fmt.Fprintf(&b, "  [%s]", res.ErrorKind)
		}
		if res.Detail != "" {
			fmt.Fprintf(&b, "  %s", res.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
