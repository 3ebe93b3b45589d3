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

// Package notary submits signed artifacts to Apple's notary service, polls
// for the verdict, and staples accepted tickets.
package notary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tirans/r2midi-sub002/pkg/credentials"
	"github.com/tirans/r2midi-sub002/pkg/logging"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// Status is a notary submission state.
type Status string

const (
	StatusNotSubmitted Status = "NotSubmitted"
	StatusInProgress   Status = "In Progress"
	StatusAccepted     Status = "Accepted"
	StatusInvalid      Status = "Invalid"
	StatusRejected     Status = "Rejected"
)

// terminal reports whether the service will not change this status again.
func (s Status) terminal() bool {
	switch s {
	case StatusAccepted, StatusInvalid, StatusRejected:
		return true
	}
	return false
}

// Submission is the service's record of one uploaded artifact.
type Submission struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// SubmissionError wraps a failed upload. Tool failures are transient from
// this side (network, service load), so the submitter retries them.
type SubmissionError struct {
	Artifact string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %q for notarization: %v", e.Artifact, e.Err)
}

func (e *SubmissionError) Unwrap() error   { return e.Err }
func (e *SubmissionError) Retryable() bool { return true }

// RejectedError reports a terminal service refusal, with the submission log
// when it could be fetched.
type RejectedError struct {
	ID     string
	Status Status
	Log    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("notarization %s: submission %s refused by the notary service", e.Status, e.ID)
}

// TimedOutError reports that the verdict did not arrive within the wait
// window. The submission may still complete server-side.
type TimedOutError struct {
	ID     string
	Waited time.Duration
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("notarization of submission %s still pending after %s", e.ID, e.Waited)
}

// Options tunes the notary client.
type Options struct {
	// Retry covers transient submission failures. Zero value means
	// DefaultRetryPolicy.
	Retry RetryPolicy
	// PollInterval is the delay between info requests. Zero means 30s.
	PollInterval time.Duration
	// Clock is replaced in tests.
	Clock Clock
}

// Notary submits, polls and staples against one set of credentials.
type Notary struct {
	runner       toolexec.Runner
	creds        *credentials.Credentials
	retry        RetryPolicy
	pollInterval time.Duration
	clock        Clock
	log          logging.Logger
}

// New builds a Notary. The credentials decide the notarytool authentication
// flags: the App Store Connect API key when configured, Apple-ID plus
// app-specific password otherwise.
func New(runner toolexec.Runner, creds *credentials.Credentials, opts *Options, log logging.Logger) *Notary {
	if opts == nil {
		opts = &Options{}
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}

	return &Notary{
		runner:       runner,
		creds:        creds,
		retry:        retry,
		pollInterval: interval,
		clock:        clock,
		log:          logging.EnsureLogger(log).WithField("stage", "notarize"),
	}
}

// authArgs renders the notarytool authentication flags.
func (n *Notary) authArgs() []string {
	if n.creds.AppStoreConnect.Complete() {
		return []string{
			"--key", n.creds.AppStoreConnect.KeyPath,
			"--key-id", n.creds.AppStoreConnect.KeyID,
			"--issuer", n.creds.AppStoreConnect.IssuerID,
		}
	}
	return []string{
		"--apple-id", n.creds.AppleID,
		"--password", n.creds.AppSpecificPassword,
		"--team-id", n.creds.TeamID,
	}
}

// Submit uploads the artifact and returns the submission record. App
// bundles are zipped first; .pkg and .dmg files upload as-is. Transient
// upload failures are retried per the policy.
func (n *Notary) Submit(ctx context.Context, artifact string) (*Submission, error) {
	upload := artifact

	if strings.HasSuffix(artifact, ".app") {
		zipped, cleanup, err := n.zipBundle(ctx, artifact)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		upload = zipped
	}

	args := append([]string{"notarytool", "submit", upload, "--output-format", "json"}, n.authArgs()...)

	var sub Submission
	err := n.retry.Do(ctx, n.clock, func() error {
		res, err := n.runner.Run(ctx, "xcrun", args, nil)
		if err != nil {
			n.log.Warn("submission attempt failed: %v", err)
			return &SubmissionError{Artifact: artifact, Err: err}
		}
		if err := json.Unmarshal([]byte(res.Stdout), &sub); err != nil {
			return &SubmissionError{Artifact: artifact, Err: fmt.Errorf("parse notarytool output: %w", err)}
		}
		if sub.ID == "" {
			return &SubmissionError{Artifact: artifact, Err: fmt.Errorf("notarytool returned no submission id")}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	n.log.Info("submitted %s as %s", filepath.Base(artifact), sub.ID)
	return &sub, nil
}

// zipBundle packs an app bundle the way the notary service expects,
// preserving the bundle directory itself.
func (n *Notary) zipBundle(ctx context.Context, app string) (string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "notarize-")
	if err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	zipped := filepath.Join(tmpDir, filepath.Base(app)+".zip")
	if _, err := n.runner.Run(ctx, "ditto", []string{"-c", "-k", "--keepParent", app, zipped}, nil); err != nil {
		cleanup()
		return "", nil, &SubmissionError{Artifact: app, Err: fmt.Errorf("zip bundle: %w", err)}
	}
	return zipped, cleanup, nil
}

// Poll blocks until the submission reaches a terminal status or the context
// expires. Service refusal returns a RejectedError carrying the submission
// log; an exceeded deadline returns a TimedOutError. The two are distinct:
// a timeout may still notarize later, a rejection never will. Cancellation
// is neither and propagates as-is.
func (n *Notary) Poll(ctx context.Context, id string) (*Submission, error) {
	start := n.clock.Now()
	args := append([]string{"notarytool", "info", id, "--output-format", "json"}, n.authArgs()...)

	for {
		res, err := n.runner.Run(ctx, "xcrun", args, nil)
		if err != nil {
			// Info failures are transient; the deadline bounds them.
			n.log.Warn("poll attempt failed: %v", err)
		} else {
			var sub Submission
			if err := json.Unmarshal([]byte(res.Stdout), &sub); err != nil {
				return nil, fmt.Errorf("parse notarytool info for %s: %w", id, err)
			}

			n.log.Debug("submission %s: %s", id, sub.Status)

			if sub.Status == StatusAccepted {
				return &sub, nil
			}
			if sub.Status.terminal() {
				return nil, &RejectedError{ID: id, Status: sub.Status, Log: n.fetchLog(ctx, id)}
			}
		}

		if err := n.clock.Sleep(ctx, n.pollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimedOutError{ID: id, Waited: n.clock.Now().Sub(start)}
			}
			return nil, err
		}
	}
}

// fetchLog retrieves the service's diagnostic log for a refused submission.
// Best effort: rejection reporting never fails on a missing log.
func (n *Notary) fetchLog(ctx context.Context, id string) string {
	args := append([]string{"notarytool", "log", id}, n.authArgs()...)
	res, err := n.runner.Run(ctx, "xcrun", args, nil)
	if err != nil {
		n.log.Warn("cannot fetch submission log for %s: %v", id, err)
		return ""
	}
	return res.Stdout
}
