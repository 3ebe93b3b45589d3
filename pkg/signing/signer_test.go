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

package signing

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tirans/r2midi-sub002/pkg/bundle"
	"github.com/tirans/r2midi-sub002/pkg/keychain"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

func testIdentity() *keychain.Identity {
	return &keychain.Identity{
		Name:     "Developer ID Application: Example Corp (TEAM123456)",
		Hash:     "0123456789ABCDEF0123456789ABCDEF01234567",
		TeamID:   "TEAM123456",
		Kind:     keychain.KindApplication,
		Keychain: "macdist-test.keychain-db",
	}
}

// signCalls filters the recorded codesign invocations down to actual
// signing operations.
func signCalls(f *toolexec.FakeRunner) []toolexec.FakeCall {
	var out []toolexec.FakeCall
	for _, c := range f.CallsFor("codesign") {
		if len(c.Args) > 0 && c.Args[0] == "--sign" {
			out = append(out, c)
		}
	}
	return out
}

func TestSignExecutable(t *testing.T) {
	f := toolexec.NewFakeRunner()
	s := New(f, nil)
	target := &bundle.Target{Path: "/tmp/Foo.app/Contents/MacOS/Foo", Kind: bundle.KindExecutable}

	res, err := s.Sign(context.Background(), target, testIdentity(), &Options{EntitlementsFile: "/tmp/ent.plist"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if res.Skipped {
		t.Error("fresh target reported as skipped")
	}

	calls := signCalls(f)
	if len(calls) != 1 {
		t.Fatalf("got %d sign calls, want 1", len(calls))
	}
	joined := strings.Join(calls[0].Args, " ")
	for _, want := range []string{
		"--sign 0123456789ABCDEF0123456789ABCDEF01234567",
		"--force",
		"--timestamp",
		"--options runtime",
		"--keychain macdist-test.keychain-db",
		"--entitlements /tmp/ent.plist",
		target.Path,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("sign call %q missing %q", joined, want)
		}
	}

	// A plain executable is verified strictly but not deeply.
	var verified bool
	for _, c := range f.CallsFor("codesign") {
		joined := strings.Join(c.Args, " ")
		if strings.Contains(joined, "--verify") {
			verified = true
			if strings.Contains(joined, "--deep") {
				t.Errorf("executable verified with --deep: %q", joined)
			}
		}
	}
	if !verified {
		t.Error("signature never verified")
	}
}

func TestSignContainerVerifiesDeep(t *testing.T) {
	f := toolexec.NewFakeRunner()
	s := New(f, nil)
	target := &bundle.Target{Path: "/tmp/Foo.app", Kind: bundle.KindAppBundle}

	if _, err := s.Sign(context.Background(), target, testIdentity(), nil); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	deep := false
	for _, c := range f.CallsFor("codesign") {
		joined := strings.Join(c.Args, " ")
		if strings.Contains(joined, "--verify") && strings.Contains(joined, "--deep") {
			deep = true
		}
	}
	if !deep {
		t.Error("container not verified with --deep")
	}
}

func TestSignDylibGetsNoEntitlements(t *testing.T) {
	f := toolexec.NewFakeRunner()
	s := New(f, nil)
	target := &bundle.Target{Path: "/tmp/libfoo.dylib", Kind: bundle.KindDylib}

	if _, err := s.Sign(context.Background(), target, testIdentity(), &Options{EntitlementsFile: "/tmp/ent.plist"}); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	for _, c := range signCalls(f) {
		if strings.Contains(strings.Join(c.Args, " "), "--entitlements") {
			t.Error("library signed with entitlements")
		}
	}
}

func TestSignSkipsValidSameTeamSignature(t *testing.T) {
	f := toolexec.NewFakeRunner()
	f.Stub(toolexec.MatchTool("codesign", "--verbose=2"),
		&toolexec.Result{Stderr: "Identifier=com.example.foo\nTeamIdentifier=TEAM123456\n"}, nil)

	s := New(f, nil)
	target := &bundle.Target{Path: "/tmp/Foo.app/Contents/MacOS/Foo", Kind: bundle.KindExecutable}

	res, err := s.Sign(context.Background(), target, testIdentity(), nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !res.Skipped {
		t.Error("valid same-team signature not skipped")
	}
	if calls := signCalls(f); len(calls) != 0 {
		t.Errorf("skipped target still signed: %v", calls)
	}
}

func TestSignResignsOtherTeam(t *testing.T) {
	f := toolexec.NewFakeRunner()
	f.Stub(toolexec.MatchTool("codesign", "--verbose=2"),
		&toolexec.Result{Stderr: "TeamIdentifier=OTHERTEAM1\n"}, nil)

	s := New(f, nil)
	target := &bundle.Target{Path: "/tmp/Foo.app/Contents/MacOS/Foo", Kind: bundle.KindExecutable}

	res, err := s.Sign(context.Background(), target, testIdentity(), nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if res.Skipped {
		t.Error("other-team signature wrongly skipped")
	}
	if calls := signCalls(f); len(calls) != 1 {
		t.Errorf("got %d sign calls, want 1", len(calls))
	}
}

func TestSignFailureSurfacesStep(t *testing.T) {
	f := toolexec.NewFakeRunner()
	f.StubFailure(toolexec.MatchTool("codesign", "--sign"),
		"codesign", 1, "errSecInternalComponent")

	s := New(f, nil)
	target := &bundle.Target{Path: "/tmp/Foo.app", Kind: bundle.KindAppBundle}

	_, err := s.Sign(context.Background(), target, testIdentity(), nil)

	var sigErr *SigningError
	if !errors.As(err, &sigErr) {
		t.Fatalf("Sign() error = %v, want *SigningError", err)
	}
	if sigErr.Step != "sign" {
		t.Errorf("Step = %q, want %q", sigErr.Step, "sign")
	}
}

// productsignRunner creates the output file productsign would write.
type productsignRunner struct {
	*toolexec.FakeRunner
}

func (r *productsignRunner) Run(ctx context.Context, tool string, args []string, opts *toolexec.RunOptions) (*toolexec.Result, error) {
	res, err := r.FakeRunner.Run(ctx, tool, args, opts)
	if err == nil && tool == "productsign" && len(args) >= 2 {
		if wErr := os.WriteFile(args[len(args)-1], []byte("signed-pkg"), 0o644); wErr != nil {
			return nil, wErr
		}
	}
	return res, err
}

func TestSignPackageReplacesInput(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "Foo.pkg")
	if err := os.WriteFile(pkg, []byte("unsigned-pkg"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &productsignRunner{FakeRunner: toolexec.NewFakeRunner()}
	s := New(runner, nil)

	if err := s.SignPackage(context.Background(), pkg, testIdentity()); err != nil {
		t.Fatalf("SignPackage() error = %v", err)
	}

	data, err := os.ReadFile(pkg)
	if err != nil || string(data) != "signed-pkg" {
		t.Errorf("package content = %q, %v, want signed output in place", data, err)
	}
	if _, err := os.Stat(pkg + ".signed"); !os.IsNotExist(err) {
		t.Error("temp signed output left behind")
	}

	// productsign selects by certificate name, not hash.
	calls := runner.CallsFor("productsign")
	if len(calls) != 1 {
		t.Fatalf("got %d productsign calls, want 1", len(calls))
	}
	if joined := strings.Join(calls[0].Args, " "); !strings.Contains(joined, testIdentity().Name) {
		t.Errorf("productsign call %q missing certificate name", joined)
	}
}

func TestSignPackageWithoutOutputFails(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "Foo.pkg")
	if err := os.WriteFile(pkg, []byte("unsigned-pkg"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The plain fake runs productsign without producing output.
	s := New(toolexec.NewFakeRunner(), nil)

	if err := s.SignPackage(context.Background(), pkg, testIdentity()); err == nil {
		t.Fatal("SignPackage() succeeded with no signed output")
	}

	data, err := os.ReadFile(pkg)
	if err != nil || string(data) != "unsigned-pkg" {
		t.Errorf("input package modified on failure: %q, %v", data, err)
	}
}

// writeTestMachO writes a minimal 64-bit Mach-O header for graph discovery.
func writeTestMachO(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(buf[4:], 0x0100000c)
	binary.LittleEndian.PutUint32(buf[12:], 2)
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatal(err)
	}
}

func buildTestGraph(t *testing.T) *bundle.Graph {
	t.Helper()

	app := filepath.Join(t.TempDir(), "Foo.app")
	writeTestMachO(t, filepath.Join(app, "Contents", "MacOS", "Foo"))
	if err := os.MkdirAll(filepath.Join(app, "Contents", "Frameworks", "Bar.framework", "Versions", "A"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(app, "Contents", "Frameworks", "libbar.dylib"), []byte("lib"), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := bundle.BuildGraph(app)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	return g
}

func TestSignGraphSignsDependenciesFirst(t *testing.T) {
	g := buildTestGraph(t)
	f := toolexec.NewFakeRunner()
	s := New(f, nil)

	results, err := s.SignGraph(context.Background(), g, testIdentity(), nil)
	if err != nil {
		t.Fatalf("SignGraph() error = %v", err)
	}
	if len(results) != len(g.Ordered()) {
		t.Fatalf("got %d results, want %d", len(results), len(g.Ordered()))
	}

	// Record the order signing operations actually hit the tools.
	position := map[string]int{}
	for i, c := range signCalls(f) {
		position[c.Args[len(c.Args)-1]] = i
	}
	for _, target := range g.Ordered() {
		for _, dep := range target.DependsOn {
			if position[dep.Path] >= position[target.Path] {
				t.Errorf("%s signed before its dependency %s", target, dep)
			}
		}
	}
}

func TestSignGraphAbortsBeforeNextTier(t *testing.T) {
	g := buildTestGraph(t)
	f := toolexec.NewFakeRunner()

	// Fail the dylib in the first tier.
	f.StubFailure(toolexec.MatchTool("codesign", "--sign", "libbar.dylib"),
		"codesign", 1, "unable to build chain")

	s := New(f, nil)

	_, err := s.SignGraph(context.Background(), g, testIdentity(), nil)
	if err == nil {
		t.Fatal("SignGraph() succeeded past a failed tier")
	}

	for _, c := range signCalls(f) {
		if strings.HasSuffix(c.Args[len(c.Args)-1], ".app") {
			t.Error("outer bundle signed after an earlier tier failed")
		}
	}
}
