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

package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tirans/r2midi-sub002/pkg/logging"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// metadataPatterns lists the foreign metadata files removed by the in-place
// strip strategy. Patterns match the path relative to the bundle root.
var metadataPatterns = []string{
	"**/.DS_Store",
	"**/._*",
	"**/__MACOSX",
	"**/__pycache__",
	"**/*.pyc",
	"**/*.pyo",
	"**/.git",
	"**/.gitignore",
	"**/.pytest_cache",
	"**/.coverage",
	"**/Thumbs.db",
	"**/desktop.ini",
	"**/*.swp",
}

// hostileAttributes are the extended attributes a strict codesign rejects.
var hostileAttributes = []string{
	"com.apple.FinderInfo",
	"com.apple.ResourceFork",
	"com.apple.quarantine",
	"com.apple.metadata:kMDItemWhereFroms",
	"com.apple.metadata:kMDItemDownloadedDate",
	"com.apple.lastuseddate#PS",
}

// XattrScanner counts foreign metadata attributes under a path. Zero means
// the tree is clean enough to sign.
type XattrScanner interface {
	Scan(ctx context.Context, path string) (int, error)
}

// toolScanner counts attribute lines reported by `xattr -lr`.
type toolScanner struct {
	runner toolexec.Runner
}

func (s *toolScanner) Scan(ctx context.Context, path string) (int, error) {
	res, err := s.runner.Run(ctx, "xattr", []string{"-lr", path}, nil)
	if err != nil {
		return 0, fmt.Errorf("scan attributes of %q: %w", path, err)
	}

	count := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

// SanitizeError reports that every cleaning strategy left residue behind.
type SanitizeError struct {
	Path    string
	Residue int
	Tried   []string
}

func (e *SanitizeError) Error() string {
	return fmt.Sprintf("sanitize %q: %d metadata attributes remain after strategies %v",
		e.Path, e.Residue, e.Tried)
}

// Attempt records the outcome of one cleaning strategy.
type Attempt struct {
	Strategy string
	Residue  int
	Err      error
}

// SanitizeReport describes a successful sanitization.
type SanitizeReport struct {
	// Strategy is the strategy that produced a clean tree.
	Strategy string
	// Attempts lists every strategy tried, in order.
	Attempts []Attempt
}

// Sanitizer removes foreign filesystem metadata from a bundle so the
// signing tools accept it.
type Sanitizer struct {
	runner  toolexec.Runner
	scanner XattrScanner
	log     logging.Logger
}

// NewSanitizer builds a Sanitizer using the given Runner for the external
// tools (ditto, xattr, dot_clean) and its attribute scan.
func NewSanitizer(runner toolexec.Runner, log logging.Logger) *Sanitizer {
	return &Sanitizer{
		runner:  runner,
		scanner: &toolScanner{runner: runner},
		log:     logging.EnsureLogger(log).WithField("stage", "sanitize"),
	}
}

// SetScanner overrides the attribute scanner. Used by tests and by callers
// with a native scanner.
func (s *Sanitizer) SetScanner(scanner XattrScanner) {
	s.scanner = scanner
}

// Sanitize cleans the bundle in place, trying each strategy in order and
// verifying after each by re-scanning for remaining attributes. It never
// reports success with residue left: either the tree verifies clean or the
// whole chain fails with a SanitizeError.
func (s *Sanitizer) Sanitize(ctx context.Context, bundlePath string) (*SanitizeReport, error) {
	abs, err := filepath.Abs(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}

	// Already clean bundles skip the strategies entirely.
	if n, err := s.scanner.Scan(ctx, abs); err == nil && n == 0 {
		s.log.Debug("bundle already clean")
		return &SanitizeReport{Strategy: "none"}, nil
	}

	strategies := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"ditto-copy", s.dittoClone},
		{"archive-roundtrip", s.tarRoundTrip},
		{"in-place-strip", s.inPlaceStrip},
	}

	report := &SanitizeReport{}
	lastResidue := -1

	for _, strat := range strategies {
		s.log.Info("cleaning bundle with strategy %s", strat.name)

		err := strat.run(ctx, abs)
		if err != nil {
			s.log.Warn("strategy %s failed: %v", strat.name, err)
			report.Attempts = append(report.Attempts, Attempt{Strategy: strat.name, Err: err})
			continue
		}

		residue, err := s.scanner.Scan(ctx, abs)
		if err != nil {
			report.Attempts = append(report.Attempts, Attempt{Strategy: strat.name, Err: err})
			continue
		}

		report.Attempts = append(report.Attempts, Attempt{Strategy: strat.name, Residue: residue})
		lastResidue = residue

		if residue == 0 {
			report.Strategy = strat.name
			s.log.Info("bundle clean after strategy %s", strat.name)
			return report, nil
		}
		s.log.Warn("strategy %s left %d attributes", strat.name, residue)
	}

	tried := make([]string, 0, len(report.Attempts))
	for _, a := range report.Attempts {
		tried = append(tried, a.Strategy)
	}
	return nil, &SanitizeError{Path: abs, Residue: lastResidue, Tried: tried}
}

// dittoClone copies the bundle with ditto excluding resource forks,
// extended attributes and ACLs, runs a recursive attribute clear on the
// copy as a second pass, and atomically swaps it into place. A single pass
// is not reliable, hence the follow-up clear.
func (s *Sanitizer) dittoClone(ctx context.Context, path string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(path), ".clean-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	clean := filepath.Join(tmpDir, filepath.Base(path))

	if _, err := s.runner.Run(ctx, "ditto", []string{"--norsrc", "--noextattr", "--noacl", path, clean}, nil); err != nil {
		return fmt.Errorf("ditto copy: %w", err)
	}

	if _, err := s.runner.Run(ctx, "xattr", []string{"-rc", clean}, nil); err != nil {
		return fmt.Errorf("clear attributes on copy: %w", err)
	}

	if _, err := os.Stat(clean); err != nil {
		return fmt.Errorf("ditto produced no copy: %w", err)
	}

	return swapInPlace(path, clean)
}

// tarRoundTrip serializes the tree through a tar archive and re-extracts
// it. The archive carries no extended attributes or resource forks, so the
// extracted tree is clean by construction.
func (s *Sanitizer) tarRoundTrip(ctx context.Context, path string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(path), ".clean-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archive := filepath.Join(tmpDir, "bundle.tar")
	if err := archiveTree(path, archive); err != nil {
		return fmt.Errorf("archive bundle: %w", err)
	}

	extracted := filepath.Join(tmpDir, "extracted")
	if err := extractTree(archive, extracted); err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}

	clean := filepath.Join(extracted, filepath.Base(path))
	if _, err := os.Stat(clean); err != nil {
		return fmt.Errorf("archive round-trip produced no tree: %w", err)
	}

	return swapInPlace(path, clean)
}

// inPlaceStrip deletes known metadata files and force-clears attributes
// file by file. Last resort for trees where copy-based cleaning is blocked
// by permissions.
func (s *Sanitizer) inPlaceStrip(ctx context.Context, path string) error {
	if err := s.removeMetadataFiles(path); err != nil {
		return err
	}

	// Recursive clear first, then the known hostile attributes one by one;
	// some macOS versions ignore -rc on individual attributes.
	if _, err := s.runner.Run(ctx, "xattr", []string{"-rc", path}, nil); err != nil {
		s.log.Debug("xattr -rc: %v", err)
	}
	for _, attr := range hostileAttributes {
		if _, err := s.runner.Run(ctx, "xattr", []string{"-dr", attr, path}, nil); err != nil {
			s.log.Debug("xattr -dr %s: %v", attr, err)
		}
	}

	if _, err := s.runner.Run(ctx, "dot_clean", []string{"-m", filepath.Dir(path)}, nil); err != nil {
		s.log.Debug("dot_clean: %v", err)
	}

	return nil
}

// removeMetadataFiles deletes entries matching the metadata patterns,
// relative to the bundle root.
func (s *Sanitizer) removeMetadataFiles(root string) error {
	var toRemove []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Unreadable entries are exactly why this strategy exists; skip.
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}

		for _, pattern := range metadataPatterns {
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
				toRemove = append(toRemove, path)
				if info.IsDir() {
					return filepath.SkipDir
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk bundle: %w", err)
	}

	removed := 0
	for _, path := range toRemove {
		if err := os.RemoveAll(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("removed %d metadata entries", removed)
	}
	return nil
}

// swapInPlace atomically replaces original with clean: the original moves
// to a timestamped backup beside it, the clean tree moves in, and the
// backup is removed. On a failed final move the backup is restored.
func swapInPlace(original, clean string) error {
	backup := fmt.Sprintf("%s.backup-%d", original, time.Now().Unix())

	if err := os.Rename(original, backup); err != nil {
		return fmt.Errorf("back up original: %w", err)
	}

	if err := os.Rename(clean, original); err != nil {
		// Best effort restore; the backup is still intact either way.
		_ = os.Rename(backup, original)
		return fmt.Errorf("install clean tree: %w", err)
	}

	return os.RemoveAll(backup)
}
