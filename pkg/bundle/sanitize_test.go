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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// scriptedScanner returns a queue of residue counts, repeating the final
// count once the queue is drained.
type scriptedScanner struct {
	counts []int
	next   int
}

func (s *scriptedScanner) Scan(context.Context, string) (int, error) {
	if s.next < len(s.counts)-1 {
		s.next++
		return s.counts[s.next-1], nil
	}
	return s.counts[len(s.counts)-1], nil
}

// dittoRunner wraps a FakeRunner but actually copies the tree when ditto is
// invoked, standing in for the real tool.
type dittoRunner struct {
	*toolexec.FakeRunner
}

func (r *dittoRunner) Run(ctx context.Context, tool string, args []string, opts *toolexec.RunOptions) (*toolexec.Result, error) {
	res, err := r.FakeRunner.Run(ctx, tool, args, opts)
	if err == nil && tool == "ditto" && len(args) >= 2 {
		src, dst := args[len(args)-2], args[len(args)-1]
		if mkErr := os.MkdirAll(dst, 0o755); mkErr != nil {
			return nil, mkErr
		}
		if cpErr := copyTree(src, dst); cpErr != nil {
			return nil, cpErr
		}
	}
	return res, err
}

// copyTree mirrors os.CopyFS(dst, os.DirFS(src)), which is unavailable on
// the Go 1.21 toolchain used to build this module.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o666)
	})
}

func makeDirtyBundle(t *testing.T) string {
	t.Helper()

	app := filepath.Join(t.TempDir(), "Foo.app")
	writeFile(t, filepath.Join(app, "Contents", "Info.plist"), "<plist/>")
	writeFile(t, filepath.Join(app, "Contents", "MacOS", "Foo"), "binary")
	writeFile(t, filepath.Join(app, "Contents", "Resources", ".DS_Store"), "junk")
	writeFile(t, filepath.Join(app, "Contents", "Resources", "._Foo"), "fork")
	writeFile(t, filepath.Join(app, "Contents", "Resources", "__pycache__", "mod.pyc"), "pyc")
	return app
}

func TestSanitizeAlreadyClean(t *testing.T) {
	app := makeDirtyBundle(t)
	f := toolexec.NewFakeRunner()

	s := NewSanitizer(f, nil)
	s.SetScanner(&scriptedScanner{counts: []int{0}})

	report, err := s.Sanitize(context.Background(), app)
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if report.Strategy != "none" {
		t.Errorf("Strategy = %q, want %q", report.Strategy, "none")
	}
	if calls := f.CallsFor("ditto"); len(calls) != 0 {
		t.Errorf("clean bundle still triggered ditto: %v", calls)
	}
}

func TestSanitizeDittoStrategy(t *testing.T) {
	app := makeDirtyBundle(t)
	runner := &dittoRunner{FakeRunner: toolexec.NewFakeRunner()}

	s := NewSanitizer(runner, nil)
	s.SetScanner(&scriptedScanner{counts: []int{3, 0}})

	report, err := s.Sanitize(context.Background(), app)
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if report.Strategy != "ditto-copy" {
		t.Errorf("Strategy = %q, want %q", report.Strategy, "ditto-copy")
	}

	// The swapped-in tree keeps the payload and no backup is left behind.
	if _, err := os.Stat(filepath.Join(app, "Contents", "MacOS", "Foo")); err != nil {
		t.Errorf("payload missing after ditto swap: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(app))
	if err != nil {
		t.Fatalf("read parent dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(app) {
			t.Errorf("leftover entry %q beside the bundle", e.Name())
		}
	}
}

func TestSanitizeFallsBackToArchiveRoundTrip(t *testing.T) {
	app := makeDirtyBundle(t)
	// A plain FakeRunner leaves no copy behind, so the ditto strategy
	// fails and the chain falls through to the archive round trip.
	f := toolexec.NewFakeRunner()

	s := NewSanitizer(f, nil)
	s.SetScanner(&scriptedScanner{counts: []int{5, 0}})

	report, err := s.Sanitize(context.Background(), app)
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if report.Strategy != "archive-roundtrip" {
		t.Errorf("Strategy = %q, want %q", report.Strategy, "archive-roundtrip")
	}
	if len(report.Attempts) != 2 {
		t.Fatalf("Attempts = %v, want ditto failure then round-trip success", report.Attempts)
	}
	if report.Attempts[0].Strategy != "ditto-copy" || report.Attempts[0].Err == nil {
		t.Errorf("first attempt = %+v, want failed ditto-copy", report.Attempts[0])
	}

	// Content must survive the round trip.
	data, err := os.ReadFile(filepath.Join(app, "Contents", "MacOS", "Foo"))
	if err != nil || string(data) != "binary" {
		t.Errorf("payload after round trip = %q, %v", data, err)
	}
}

func TestSanitizeNeverReportsPartialClean(t *testing.T) {
	app := makeDirtyBundle(t)
	f := toolexec.NewFakeRunner()

	s := NewSanitizer(f, nil)
	s.SetScanner(&scriptedScanner{counts: []int{4}})

	_, err := s.Sanitize(context.Background(), app)

	var sanErr *SanitizeError
	if !errors.As(err, &sanErr) {
		t.Fatalf("Sanitize() error = %v, want *SanitizeError", err)
	}
	if sanErr.Residue != 4 {
		t.Errorf("Residue = %d, want 4", sanErr.Residue)
	}
	if len(sanErr.Tried) != 3 {
		t.Errorf("Tried = %v, want all three strategies", sanErr.Tried)
	}

	// The last resort must have run the per-attribute clears and dot_clean.
	if calls := f.CallsFor("dot_clean"); len(calls) == 0 {
		t.Error("in-place strip never ran dot_clean")
	}
	drCalls := 0
	for _, c := range f.CallsFor("xattr") {
		if len(c.Args) > 0 && c.Args[0] == "-dr" {
			drCalls++
		}
	}
	if drCalls != len(hostileAttributes) {
		t.Errorf("xattr -dr ran %d times, want %d", drCalls, len(hostileAttributes))
	}
}

func TestInPlaceStripRemovesMetadataFiles(t *testing.T) {
	app := makeDirtyBundle(t)
	f := toolexec.NewFakeRunner()

	s := NewSanitizer(f, nil)
	if err := s.inPlaceStrip(context.Background(), app); err != nil {
		t.Fatalf("inPlaceStrip() error = %v", err)
	}

	for _, gone := range []string{
		filepath.Join(app, "Contents", "Resources", ".DS_Store"),
		filepath.Join(app, "Contents", "Resources", "._Foo"),
		filepath.Join(app, "Contents", "Resources", "__pycache__"),
	} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("%s survived the strip", gone)
		}
	}

	// The payload stays.
	if _, err := os.Stat(filepath.Join(app, "Contents", "Info.plist")); err != nil {
		t.Errorf("Info.plist removed by strip: %v", err)
	}
}

func TestSwapInPlaceRestoresOnFailure(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "Foo.app")
	writeFile(t, filepath.Join(original, "payload"), "original")

	// Installing a nonexistent clean tree must fail and restore the
	// original.
	err := swapInPlace(original, filepath.Join(dir, "no-such-tree"))
	if err == nil {
		t.Fatal("swapInPlace() succeeded with a missing clean tree")
	}

	data, readErr := os.ReadFile(filepath.Join(original, "payload"))
	if readErr != nil || string(data) != "original" {
		t.Errorf("original not restored: %q, %v", data, readErr)
	}
}

func TestSwapInPlaceReplacesTree(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "Foo.app")
	clean := filepath.Join(dir, "Clean.app")
	writeFile(t, filepath.Join(original, "payload"), "dirty")
	writeFile(t, filepath.Join(clean, "payload"), "clean")

	if err := swapInPlace(original, clean); err != nil {
		t.Fatalf("swapInPlace() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(original, "payload"))
	if err != nil || string(data) != "clean" {
		t.Errorf("payload = %q, %v, want the clean tree installed", data, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "Foo.app" {
			t.Errorf("leftover entry %q after swap", e.Name())
		}
	}
}
