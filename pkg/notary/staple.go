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

package notary

import (
	"context"
	"fmt"
	"strings"
)

// StapleError reports a failed staple. Callers treat it as a warning: the
// artifact is notarized and distributable, Gatekeeper just needs network
// access to check it.
type StapleError struct {
	Path string
	Err  error
}

func (e *StapleError) Error() string {
	return fmt.Sprintf("staple ticket to %q: %v", e.Path, e.Err)
}

func (e *StapleError) Unwrap() error { return e.Err }

// Staple attaches the notarization ticket to the artifact. Must only run
// after the submission is Accepted. An already-stapled artifact is skipped.
func (n *Notary) Staple(ctx context.Context, artifact string) error {
	if _, err := n.runner.Run(ctx, "xcrun", []string{"stapler", "validate", artifact}, nil); err == nil {
		n.log.Debug("ticket already stapled to %s", artifact)
		return nil
	}

	if _, err := n.runner.Run(ctx, "xcrun", []string{"stapler", "staple", artifact}, nil); err != nil {
		return &StapleError{Path: artifact, Err: err}
	}

	n.log.Info("stapled ticket to %s", artifact)
	return nil
}

// AcceptanceReport is the result of the final Gatekeeper-level verification.
type AcceptanceReport struct {
	Artifact       string `json:"artifact"`
	AssessmentOK   bool   `json:"assessment_ok"`
	SignatureOK    bool   `json:"signature_ok"`
	AssessmentNote string `json:"assessment_note,omitempty"`
}

// Accepted reports whether the artifact passed every gate.
func (r *AcceptanceReport) Accepted() bool {
	return r.AssessmentOK && r.SignatureOK
}

// VerifyAcceptance runs the last gate before release: a Gatekeeper
// assessment (install policy for packages, execute policy for bundles) and
// a strict deep signature verification. The report carries both outcomes
// so a failed gate still shows what the other one said.
func (n *Notary) VerifyAcceptance(ctx context.Context, artifact string) (*AcceptanceReport, error) {
	report := &AcceptanceReport{Artifact: artifact}

	assessType := "exec"
	if strings.HasSuffix(artifact, ".pkg") {
		assessType = "install"
	}

	res, err := n.runner.Run(ctx, "spctl", []string{"--assess", "--type", assessType, "-vv", artifact}, nil)
	if err == nil {
		report.AssessmentOK = true
	}
	if res != nil {
		report.AssessmentNote = strings.TrimSpace(res.Combined())
	}

	// Packages carry no codesign seal; only bundles get the deep verify.
	if assessType == "install" {
		report.SignatureOK = true
	} else {
		if _, err := n.runner.Run(ctx, "codesign", []string{"--verify", "--deep", "--strict", artifact}, nil); err == nil {
			report.SignatureOK = true
		}
	}

	if !report.Accepted() {
		return report, fmt.Errorf("artifact %q failed acceptance verification: %s", artifact, report.AssessmentNote)
	}

	n.log.Info("acceptance verified for %s", artifact)
	return report, nil
}
