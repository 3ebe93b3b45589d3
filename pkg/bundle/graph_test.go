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
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeMachO writes a minimal 64-bit Mach-O executable header with zero
// load commands, enough for header sniffing.
func writeMachO(t *testing.T, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], 0xfeedfacf)  // MH_MAGIC_64
	binary.LittleEndian.PutUint32(buf[4:], 0x0100000c)  // CPU_TYPE_ARM64
	binary.LittleEndian.PutUint32(buf[8:], 0)           // cpusubtype
	binary.LittleEndian.PutUint32(buf[12:], 2)          // MH_EXECUTE
	binary.LittleEndian.PutUint32(buf[16:], 0)          // ncmds
	binary.LittleEndian.PutUint32(buf[20:], 0)          // sizeofcmds
	binary.LittleEndian.PutUint32(buf[24:], 0)          // flags
	binary.LittleEndian.PutUint32(buf[28:], 0)          // reserved

	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("write mach-o: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

// makeAppBundle builds Foo.app with one embedded framework, one dylib
// inside the framework, and one main executable.
func makeAppBundle(t *testing.T) string {
	t.Helper()

	app := filepath.Join(t.TempDir(), "Foo.app")
	writeMachO(t, filepath.Join(app, "Contents", "MacOS", "Foo"))
	writeFile(t, filepath.Join(app, "Contents", "Info.plist"), "<plist/>")
	writeFile(t, filepath.Join(app, "Contents", "Frameworks", "Bar.framework", "Versions", "A", "Resources", "Info.plist"), "<plist/>")
	writeFile(t, filepath.Join(app, "Contents", "Frameworks", "Bar.framework", "Versions", "A", "libbar.dylib"), "not really a dylib")
	return app
}

func indexOf(targets []*Target, kind TargetKind) int {
	for i, tgt := range targets {
		if tgt.Kind == kind {
			return i
		}
	}
	return -1
}

func TestBuildGraphOrdering(t *testing.T) {
	app := makeAppBundle(t)

	g, err := BuildGraph(app)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	ordered := g.Ordered()

	dylib := indexOf(ordered, KindDylib)
	framework := indexOf(ordered, KindFramework)
	executable := indexOf(ordered, KindExecutable)
	appBundle := indexOf(ordered, KindAppBundle)

	if dylib == -1 || framework == -1 || executable == -1 || appBundle == -1 {
		t.Fatalf("missing target kinds in %v", ordered)
	}

	// Inside-out: library before framework, framework before executable,
	// outer bundle last.
	if !(dylib < framework && framework < executable && executable < appBundle) {
		t.Errorf("signing order violated: %v", ordered)
	}
	if appBundle != len(ordered)-1 {
		t.Errorf("outer bundle is not last: %v", ordered)
	}
}

func TestBuildGraphDependencies(t *testing.T) {
	app := makeAppBundle(t)

	g, err := BuildGraph(app)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	// Every target must appear after all of its dependencies.
	position := make(map[*Target]int)
	for i, tgt := range g.Ordered() {
		position[tgt] = i
	}
	for _, tgt := range g.Ordered() {
		for _, dep := range tgt.DependsOn {
			if position[dep] >= position[tgt] {
				t.Errorf("%v ordered before its dependency %v", tgt, dep)
			}
		}
	}

	// The executable must depend on the framework it loads.
	var exe *Target
	for _, tgt := range g.Ordered() {
		if tgt.Kind == KindExecutable {
			exe = tgt
		}
	}
	found := false
	for _, dep := range exe.DependsOn {
		if dep.Kind == KindFramework {
			found = true
		}
	}
	if !found {
		t.Errorf("executable does not depend on the embedded framework: %v", exe.DependsOn)
	}
}

func TestBuildGraphTiers(t *testing.T) {
	app := makeAppBundle(t)

	g, err := BuildGraph(app)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	tiers := g.Tiers()
	if len(tiers) < 3 {
		t.Fatalf("got %d tiers, want at least 3", len(tiers))
	}

	// No target may share a tier with one of its dependencies.
	tierOf := make(map[*Target]int)
	for i, tier := range tiers {
		for _, tgt := range tier {
			tierOf[tgt] = i
		}
	}
	for _, tgt := range g.Ordered() {
		for _, dep := range tgt.DependsOn {
			if tierOf[dep] >= tierOf[tgt] {
				t.Errorf("%v in tier %d not after dependency %v in tier %d",
					tgt, tierOf[tgt], dep, tierOf[dep])
			}
		}
	}

	// The outer bundle occupies the final tier.
	last := tiers[len(tiers)-1]
	if len(last) != 1 || last[0].Kind != KindAppBundle {
		t.Errorf("final tier = %v, want only the app bundle", last)
	}
}

func TestBuildGraphSkipsFrameworkInternalBinaries(t *testing.T) {
	app := filepath.Join(t.TempDir(), "Foo.app")
	writeMachO(t, filepath.Join(app, "Contents", "MacOS", "Foo"))
	// A framework's versioned binary is covered by signing the framework.
	writeMachO(t, filepath.Join(app, "Contents", "Frameworks", "Bar.framework", "Versions", "A", "MacOS", "Bar"))

	g, err := BuildGraph(app)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	executables := 0
	for _, tgt := range g.Ordered() {
		if tgt.Kind == KindExecutable {
			executables++
			if strings.Contains(tgt.Path, ".framework") {
				t.Errorf("framework-internal binary classified as executable: %s", tgt.Path)
			}
		}
	}
	if executables != 1 {
		t.Errorf("found %d executables, want 1", executables)
	}
}

func TestBuildGraphIgnoresNonMachOFiles(t *testing.T) {
	app := filepath.Join(t.TempDir(), "Foo.app")
	writeMachO(t, filepath.Join(app, "Contents", "MacOS", "Foo"))
	writeFile(t, filepath.Join(app, "Contents", "MacOS", "launcher"), "#!/bin/sh\nexec Foo\n")

	g, err := BuildGraph(app)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	for _, tgt := range g.Ordered() {
		if filepath.Base(tgt.Path) == "launcher" {
			t.Errorf("shell script classified as signable target")
		}
	}
}

func TestBuildGraphRejectsNonBundle(t *testing.T) {
	dir := t.TempDir()

	if _, err := BuildGraph(dir); err == nil {
		t.Fatal("BuildGraph() accepted a non-.app directory")
	}
}
