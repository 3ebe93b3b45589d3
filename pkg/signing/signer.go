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

// Package signing drives codesign and productsign over the targets of a
// signing graph, inside-out and tier-parallel, with verification after
// every signature.
package signing

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/tirans/r2midi-sub002/pkg/bundle"
	"github.com/tirans/r2midi-sub002/pkg/keychain"
	"github.com/tirans/r2midi-sub002/pkg/logging"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// SigningError reports a failed sign or verify step for one target.
type SigningError struct {
	Path string
	Step string
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign %q: %s: %v", e.Path, e.Step, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Options tunes a signing run.
type Options struct {
	// EntitlementsFile is the entitlements plist applied to executables and
	// the outer bundle. Empty means no entitlements flag.
	EntitlementsFile string
	// MaxWorkers bounds per-tier parallelism. Zero means defaultWorkers.
	MaxWorkers int
}

const defaultWorkers = 3

// Result records the outcome of signing one target.
type Result struct {
	Target   *bundle.Target
	Skipped  bool
	Duration time.Duration
}

// Signer signs bundle targets with a resolved keychain identity.
type Signer struct {
	runner toolexec.Runner
	log    logging.Logger
}

// New builds a Signer on the given tool runner.
func New(runner toolexec.Runner, log logging.Logger) *Signer {
	return &Signer{
		runner: runner,
		log:    logging.EnsureLogger(log).WithField("stage", "sign"),
	}
}

// teamIdentifier matches the team line of `codesign -d --verbose=2` output.
var teamIdentifier = regexp.MustCompile(`TeamIdentifier=([A-Z0-9]{10})`)

// Sign signs a single target and verifies the result. A target that already
// carries a valid signature from the same team is skipped.
func (s *Signer) Sign(ctx context.Context, target *bundle.Target, id *keychain.Identity, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	start := time.Now()

	if s.alreadySigned(ctx, target, id.TeamID) {
		s.log.Debug("already signed by %s, skipping %s", id.TeamID, target.Path)
		return &Result{Target: target, Skipped: true, Duration: time.Since(start)}, nil
	}

	args := []string{
		"--sign", id.Hash,
		"--force",
		"--timestamp",
		"--options", "runtime",
	}
	if id.Keychain != "" {
		args = append(args, "--keychain", id.Keychain)
	}
	if opts.EntitlementsFile != "" && wantsEntitlements(target.Kind) {
		args = append(args, "--entitlements", opts.EntitlementsFile)
	}
	args = append(args, target.Path)

	if _, err := s.runner.Run(ctx, "codesign", args, nil); err != nil {
		return nil, &SigningError{Path: target.Path, Step: "sign", Err: err}
	}

	if err := s.verify(ctx, target); err != nil {
		return nil, err
	}

	s.log.Info("signed %s", target)
	return &Result{Target: target, Duration: time.Since(start)}, nil
}

// wantsEntitlements limits the entitlements flag to code that executes:
// libraries inherit the host process restrictions.
func wantsEntitlements(kind bundle.TargetKind) bool {
	switch kind {
	case bundle.KindExecutable, bundle.KindAppBundle, bundle.KindPlugin:
		return true
	}
	return false
}

// alreadySigned reports whether the target carries a valid signature from
// the given team. Any parse or verify failure means re-sign.
func (s *Signer) alreadySigned(ctx context.Context, target *bundle.Target, teamID string) bool {
	// codesign -d writes its details to stderr.
	res, err := s.runner.Run(ctx, "codesign", []string{"-d", "--verbose=2", target.Path}, nil)
	if err != nil {
		return false
	}
	m := teamIdentifier.FindStringSubmatch(res.Combined())
	if m == nil || m[1] != teamID {
		return false
	}
	return s.verify(ctx, target) == nil
}

func (s *Signer) verify(ctx context.Context, target *bundle.Target) error {
	args := []string{"--verify", "--strict"}
	if target.Container() {
		args = append(args, "--deep")
	}
	args = append(args, target.Path)

	if _, err := s.runner.Run(ctx, "codesign", args, nil); err != nil {
		return &SigningError{Path: target.Path, Step: "verify", Err: err}
	}
	return nil
}

// SignPackage signs an installer package with productsign. The tool refuses
// in-place signing, so the output goes to a sibling temp path and replaces
// the input on success.
func (s *Signer) SignPackage(ctx context.Context, pkgPath string, id *keychain.Identity) error {
	signed := pkgPath + ".signed"
	defer os.Remove(signed)

	args := []string{"--sign", id.Name}
	if id.Keychain != "" {
		args = append(args, "--keychain", id.Keychain)
	}
	args = append(args, pkgPath, signed)

	if _, err := s.runner.Run(ctx, "productsign", args, nil); err != nil {
		return &SigningError{Path: pkgPath, Step: "productsign", Err: err}
	}
	if _, err := os.Stat(signed); err != nil {
		return &SigningError{Path: pkgPath, Step: "productsign", Err: fmt.Errorf("no signed output: %w", err)}
	}
	if err := os.Rename(signed, pkgPath); err != nil {
		return &SigningError{Path: pkgPath, Step: "install signed package", Err: err}
	}

	s.log.Info("signed package %s", pkgPath)
	return nil
}

// SignGraph signs every target in the graph, tier by tier. Targets within a
// tier are independent and run on a bounded worker pool; a tier must fully
// complete before the next starts, so no target is ever signed before its
// dependencies. The first failure aborts before the next tier.
func (s *Signer) SignGraph(ctx context.Context, g *bundle.Graph, id *keychain.Identity, opts *Options) ([]*Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	workerCount := opts.MaxWorkers
	if workerCount <= 0 {
		workerCount = defaultWorkers
	}

	var all []*Result
	for i, tier := range g.Tiers() {
		s.log.Debug("signing tier %d (%d targets)", i, len(tier))

		results, err := s.signTier(ctx, tier, id, opts, workerCount)
		all = append(all, results...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

func (s *Signer) signTier(ctx context.Context, tier []*bundle.Target, id *keychain.Identity, opts *Options, workerCount int) ([]*Result, error) {
	if workerCount > len(tier) {
		workerCount = len(tier)
	}

	type outcome struct {
		res *Result
		err error
	}

	jobs := make(chan *bundle.Target)
	results := make(chan outcome, len(tier))

	var wg sync.WaitGroup
	wg.Add(workerCount)

	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for target := range jobs {
				res, err := s.Sign(ctx, target, id, opts)
				results <- outcome{res: res, err: err}
			}
		}()
	}

	go func() {
		for _, target := range tier {
			jobs <- target
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	all := make([]*Result, 0, len(tier))
	var firstErr error

	for out := range results {
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		all = append(all, out.res)
	}

	return all, firstErr
}
