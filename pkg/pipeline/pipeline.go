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

// Package pipeline sequences the release stages: credentials, keychain,
// sanitize, sign, notarize, staple, verify. It owns the keychain lifecycle
// and produces the run report.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/tirans/r2midi-sub002/pkg/bundle"
	"github.com/tirans/r2midi-sub002/pkg/credentials"
	"github.com/tirans/r2midi-sub002/pkg/keychain"
	"github.com/tirans/r2midi-sub002/pkg/logging"
	"github.com/tirans/r2midi-sub002/pkg/notary"
	"github.com/tirans/r2midi-sub002/pkg/signing"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// Mode selects which half of the pipeline runs.
type Mode string

const (
	// ModeFull signs, notarizes, staples and verifies.
	ModeFull Mode = "full"
	// ModeSignOnly stops after signing.
	ModeSignOnly Mode = "sign-only"
	// ModeNotarizeOnly resumes a run whose artifacts are already signed.
	ModeNotarizeOnly Mode = "notarize-only"
)

// Config is one pipeline run.
type Config struct {
	// Credentials, when set, is used directly. Otherwise CredentialsPath
	// is loaded and the application P12 verified against the team.
	Credentials     *credentials.Credentials
	CredentialsPath string

	// BundlePath is the .app to process.
	BundlePath string
	// PackagePath is an optional .pkg to productsign and notarize instead
	// of the bundle.
	PackagePath string

	BuildType signing.BuildType
	Mode      Mode

	// NotarizeTimeout bounds the poll. Zero means 30m.
	NotarizeTimeout time.Duration
	// MaxWorkers bounds per-tier signing parallelism.
	MaxWorkers int
}

// Pipeline runs release configurations against one tool runner.
type Pipeline struct {
	runner toolexec.Runner
	clock  notary.Clock
	log    logging.Logger
}

// New builds a Pipeline on the given runner.
func New(runner toolexec.Runner, log logging.Logger) *Pipeline {
	return &Pipeline{
		runner: runner,
		clock:  notary.SystemClock,
		log:    logging.EnsureLogger(log),
	}
}

// SetClock replaces the clock driving retry and poll waits.
func (p *Pipeline) SetClock(c notary.Clock) {
	if c != nil {
		p.clock = c
	}
}

// Run executes the configured stages. The report is returned on failure
// too, with the failed stage recorded; err carries the process exit code.
func (p *Pipeline) Run(ctx context.Context, cfg *Config) (*Report, error) {
	report := &Report{
		Artifact:  cfg.BundlePath,
		Package:   cfg.PackagePath,
		StartedAt: time.Now(),
	}
	err := p.run(ctx, cfg, report)
	report.FinishedAt = time.Now()
	report.Success = err == nil
	return report, err
}

func (p *Pipeline) run(ctx context.Context, cfg *Config, report *Report) error {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeFull
	}
	build := cfg.BuildType
	if build == "" {
		build = signing.BuildProduction
	}

	creds, err := p.loadCredentials(cfg, report)
	if err != nil {
		return err
	}

	// Notarize-only runs trust the caller that a given package is already
	// signed; otherwise only a package this run signed may be submitted.
	pkgSigned := cfg.PackagePath != ""
	if mode != ModeNotarizeOnly {
		pkgSigned, err = p.signStages(ctx, cfg, creds, build, report)
		if err != nil {
			return err
		}
	}

	if mode == ModeSignOnly {
		return nil
	}

	return p.notarizeStages(ctx, cfg, creds, pkgSigned, report)
}

func (p *Pipeline) loadCredentials(cfg *Config, report *Report) (*credentials.Credentials, error) {
	start := time.Now()

	creds := cfg.Credentials
	if creds == nil {
		var err error
		creds, err = credentials.Load(cfg.CredentialsPath)
		if err == nil {
			// Fail fast on unusable signing material, before any keychain
			// exists.
			_, err = credentials.VerifyP12(creds.P12.Application, creds.P12Password, creds.TeamID, time.Now())
		}
		if err != nil {
			report.add(StageResult{
				Stage: StageCredentials, Outcome: OutcomeFailed,
				ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
			})
			return nil, stageError(StageCredentials, err, ExitCredentialsFailure)
		}
	}

	report.add(StageResult{Stage: StageCredentials, Outcome: OutcomeOK, Duration: time.Since(start)})
	return creds, nil
}

func (p *Pipeline) signStages(ctx context.Context, cfg *Config, creds *credentials.Credentials, build signing.BuildType, report *Report) (pkgSigned bool, err error) {
	start := time.Now()

	session, err := keychain.Open(ctx, p.runner, creds, keychain.Options{}, p.log)
	if err != nil {
		report.add(StageResult{
			Stage: StageKeychain, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return false, stageError(StageKeychain, err, ExitCredentialsFailure)
	}
	report.add(StageResult{Stage: StageKeychain, Target: session.Name, Outcome: OutcomeOK, Duration: time.Since(start)})

	// The keychain closes on every exit path, including panics and
	// cancellation. Close is idempotent.
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.log.Warn("keychain teardown: %v", cerr)
			report.add(StageResult{
				Stage: StageKeychain, Target: session.Name,
				Outcome: OutcomeWarning, Detail: cerr.Error(),
			})
		}
	}()

	identity, err := session.Select(ctx, keychain.KindApplication, creds.TeamID)
	if err != nil {
		report.add(StageResult{
			Stage: StageSign, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(),
		})
		return false, stageError(StageSign, err, ExitSigningUnavailable)
	}

	if err := p.sanitize(ctx, cfg.BundlePath, report); err != nil {
		return false, err
	}

	graph, err := p.buildGraph(cfg.BundlePath, report)
	if err != nil {
		return false, err
	}

	if err := p.signGraph(ctx, cfg, graph, identity, build, report); err != nil {
		return false, err
	}

	return p.signPackage(ctx, cfg, creds, session, report)
}

func (p *Pipeline) sanitize(ctx context.Context, bundlePath string, report *Report) error {
	start := time.Now()

	sanitizer := bundle.NewSanitizer(p.runner, p.log)
	sanReport, err := sanitizer.Sanitize(ctx, bundlePath)
	if err != nil {
		report.add(StageResult{
			Stage: StageSanitize, Target: bundlePath, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return stageError(StageSanitize, err, ExitFailure)
	}

	report.add(StageResult{
		Stage: StageSanitize, Target: bundlePath, Outcome: OutcomeOK,
		Detail: "strategy: " + sanReport.Strategy, Duration: time.Since(start),
	})
	return nil
}

func (p *Pipeline) buildGraph(bundlePath string, report *Report) (*bundle.Graph, error) {
	start := time.Now()

	graph, err := bundle.BuildGraph(bundlePath)
	if err != nil {
		report.add(StageResult{
			Stage: StageGraph, Target: bundlePath, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return nil, stageError(StageGraph, err, ExitFailure)
	}

	report.add(StageResult{
		Stage: StageGraph, Target: bundlePath, Outcome: OutcomeOK,
		Detail: fmt.Sprintf("%d targets", len(graph.Ordered())), Duration: time.Since(start),
	})
	return graph, nil
}

func (p *Pipeline) signGraph(ctx context.Context, cfg *Config, graph *bundle.Graph, identity *keychain.Identity, build signing.BuildType, report *Report) error {
	start := time.Now()

	entFile, cleanup, err := signing.WriteEntitlements(signing.CapabilitiesFor(build))
	if err != nil {
		report.add(StageResult{
			Stage: StageSign, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return stageError(StageSign, err, ExitFailure)
	}
	defer cleanup()

	signer := signing.New(p.runner, p.log)
	results, err := signer.SignGraph(ctx, graph, identity, &signing.Options{
		EntitlementsFile: entFile,
		MaxWorkers:       cfg.MaxWorkers,
	})

	for _, res := range results {
		outcome := OutcomeOK
		if res.Skipped {
			outcome = OutcomeSkipped
		}
		report.add(StageResult{
			Stage: StageSign, Target: res.Target.Path,
			Outcome: outcome, Duration: res.Duration,
		})
	}
	if err != nil {
		report.add(StageResult{
			Stage: StageSign, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return stageError(StageSign, err, ExitFailure)
	}
	return nil
}

// signPackage productsigns the installer when one is configured. A missing
// installer certificate, or one the keychain could not import under the warn
// policy, degrades to a warning: the bundle release is still valid without
// the package. The returned bool reports whether the package was signed.
func (p *Pipeline) signPackage(ctx context.Context, cfg *Config, creds *credentials.Credentials, session *keychain.Session, report *Report) (bool, error) {
	if cfg.PackagePath == "" {
		return false, nil
	}
	start := time.Now()

	if !creds.HasInstallerCert() {
		report.add(StageResult{
			Stage: StagePackage, Target: cfg.PackagePath, Outcome: OutcomeWarning,
			Detail: "no installer certificate configured, package left unsigned",
		})
		return false, nil
	}
	if !session.Capabilities.Installer {
		report.add(StageResult{
			Stage: StagePackage, Target: cfg.PackagePath, Outcome: OutcomeWarning,
			Detail: "installer certificate not imported, package left unsigned",
		})
		return false, nil
	}

	identity, err := session.Select(ctx, keychain.KindInstaller, creds.TeamID)
	if err != nil {
		report.add(StageResult{
			Stage: StagePackage, Target: cfg.PackagePath, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return false, stageError(StagePackage, err, ExitSigningUnavailable)
	}

	signer := signing.New(p.runner, p.log)
	if err := signer.SignPackage(ctx, cfg.PackagePath, identity); err != nil {
		report.add(StageResult{
			Stage: StagePackage, Target: cfg.PackagePath, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return false, stageError(StagePackage, err, ExitFailure)
	}

	report.add(StageResult{Stage: StagePackage, Target: cfg.PackagePath, Outcome: OutcomeOK, Duration: time.Since(start)})
	return true, nil
}

func (p *Pipeline) notarizeStages(ctx context.Context, cfg *Config, creds *credentials.Credentials, pkgSigned bool, report *Report) error {
	artifact := cfg.PackagePath
	if artifact == "" || !pkgSigned {
		if artifact != "" {
			p.log.Warn("package %s left unsigned, notarizing the bundle instead", artifact)
		}
		artifact = cfg.BundlePath
	}

	if !creds.CanNotarize() {
		report.add(StageResult{
			Stage: StageSubmit, Target: artifact, Outcome: OutcomeWarning,
			Detail: "no notarization credentials configured, skipping",
		})
		return nil
	}

	n := notary.New(p.runner, creds, &notary.Options{Clock: p.clock}, p.log)

	// A previous run may have carried this artifact all the way through;
	// a valid staple means there is nothing left to do.
	if _, err := p.runner.Run(ctx, "xcrun", []string{"stapler", "validate", artifact}, nil); err == nil {
		report.add(StageResult{
			Stage: StageSubmit, Target: artifact, Outcome: OutcomeSkipped,
			Detail: "already notarized and stapled",
		})
		return p.verifyAcceptance(ctx, n, artifact, report)
	}

	start := time.Now()
	sub, err := n.Submit(ctx, artifact)
	if err != nil {
		report.add(StageResult{
			Stage: StageSubmit, Target: artifact, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return stageError(StageSubmit, err, ExitNotarizationFailed)
	}
	report.add(StageResult{Stage: StageSubmit, Target: artifact, Outcome: OutcomeOK, Detail: "submission " + sub.ID, Duration: time.Since(start)})

	timeout := cfg.NotarizeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start = time.Now()
	if _, err := n.Poll(pollCtx, sub.ID); err != nil {
		report.add(StageResult{
			Stage: StagePoll, Target: artifact, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
		return stageError(StagePoll, err, ExitNotarizationFailed)
	}
	report.add(StageResult{Stage: StagePoll, Target: artifact, Outcome: OutcomeOK, Duration: time.Since(start)})

	start = time.Now()
	if err := n.Staple(ctx, artifact); err != nil {
		// The ticket exists server-side; distribution still works online.
		p.log.Warn("stapling failed: %v", err)
		report.add(StageResult{
			Stage: StageStaple, Target: artifact, Outcome: OutcomeWarning,
			ErrorKind: errorKind(err), Detail: err.Error(), Duration: time.Since(start),
		})
	} else {
		report.add(StageResult{Stage: StageStaple, Target: artifact, Outcome: OutcomeOK, Duration: time.Since(start)})
	}

	return p.verifyAcceptance(ctx, n, artifact, report)
}

func (p *Pipeline) verifyAcceptance(ctx context.Context, n *notary.Notary, artifact string, report *Report) error {
	start := time.Now()

	acceptance, err := n.VerifyAcceptance(ctx, artifact)
	if err != nil {
		detail := err.Error()
		if acceptance != nil && acceptance.AssessmentNote != "" {
			detail = acceptance.AssessmentNote
		}
		report.add(StageResult{
			Stage: StageVerify, Target: artifact, Outcome: OutcomeFailed,
			ErrorKind: errorKind(err), Detail: detail, Duration: time.Since(start),
		})
		return stageError(StageVerify, err, ExitFailure)
	}

	report.add(StageResult{
		Stage: StageVerify, Target: artifact, Outcome: OutcomeOK,
		Detail: acceptance.AssessmentNote, Duration: time.Since(start),
	})
	return nil
}
