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
	"errors"
	"fmt"

	"github.com/tirans/r2midi-sub002/pkg/bundle"
	"github.com/tirans/r2midi-sub002/pkg/credentials"
	"github.com/tirans/r2midi-sub002/pkg/keychain"
	"github.com/tirans/r2midi-sub002/pkg/notary"
	"github.com/tirans/r2midi-sub002/pkg/signing"
)

// Process exit codes surfaced through StageError.
const (
	ExitFailure            = 1
	ExitSigningUnavailable = 2
	ExitNotarizationFailed = 3
	ExitCredentialsFailure = 4
)

// StageError wraps a stage failure with the exit code the process should
// terminate with.
type StageError struct {
	Stage Stage
	Err   error
	Code  int
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode satisfies the main package's ExitCoder.
func (e *StageError) ExitCode() int { return e.Code }

func stageError(stage Stage, err error, code int) *StageError {
	return &StageError{Stage: stage, Err: err, Code: code}
}

// errorKind names the error category for the report.
func errorKind(err error) string {
	var (
		cfgErr    *credentials.ConfigError
		setupErr  *keychain.SetupError
		notFound  *keychain.CertificateNotFound
		expired   *keychain.CertificateExpired
		sanErr    *bundle.SanitizeError
		signErr   *signing.SigningError
		subErr    *notary.SubmissionError
		rejected  *notary.RejectedError
		timedOut  *notary.TimedOutError
		stapleErr *notary.StapleError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "ConfigError"
	case errors.As(err, &setupErr):
		return "KeychainSetupError"
	case errors.As(err, &notFound):
		return "CertificateNotFound"
	case errors.As(err, &expired):
		return "CertificateExpired"
	case errors.As(err, &sanErr):
		return "SanitizeFailed"
	case errors.As(err, &signErr):
		return "SigningFailed"
	case errors.As(err, &rejected):
		return "Rejected"
	case errors.As(err, &timedOut):
		return "TimedOut"
	case errors.As(err, &subErr):
		return "SubmissionError"
	case errors.As(err, &stapleErr):
		return "StapleFailed"
	}
	return "Error"
}
