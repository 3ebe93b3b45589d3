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

// Package bundle inspects and prepares macOS application bundles: it strips
// foreign filesystem metadata the signing tools reject, and discovers the
// nested signable components with a safe inside-out signing order.
package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
)

// TargetKind classifies a signable component.
type TargetKind string

const (
	// KindExecutable is a standalone Mach-O executable.
	KindExecutable TargetKind = "executable"
	// KindDylib is a shared library (.dylib or .so).
	KindDylib TargetKind = "dylib"
	// KindFramework is an embedded framework bundle.
	KindFramework TargetKind = "framework"
	// KindPlugin is an embedded plugin-style bundle (.xpc, .appex, .plugin, .bundle).
	KindPlugin TargetKind = "plugin"
	// KindAppBundle is the outer application bundle.
	KindAppBundle TargetKind = "appBundle"
	// KindInstallerPackage is a .pkg installer, signed with productsign.
	KindInstallerPackage TargetKind = "installerPackage"
)

// Target is one signable component discovered inside a bundle. Targets are
// immutable once the graph is built.
type Target struct {
	// Path is the absolute path of the component.
	Path string
	// Kind classifies the component.
	Kind TargetKind
	// DependsOn lists targets that must be signed before this one.
	DependsOn []*Target
}

func (t *Target) String() string {
	return fmt.Sprintf("%s(%s)", t.Kind, filepath.Base(t.Path))
}

// container reports whether signing this target covers nested content, which
// requires deep verification.
func (t *Target) Container() bool {
	switch t.Kind {
	case KindFramework, KindPlugin, KindAppBundle:
		return true
	}
	return false
}

// Graph is the dependency-ordered set of signing targets for one bundle.
type Graph struct {
	targets []*Target
}

// bundleDirExtensions maps nested bundle directory extensions to kinds. The
// outer .app is handled separately.
var bundleDirExtensions = map[string]TargetKind{
	".framework": KindFramework,
	".xpc":       KindPlugin,
	".appex":     KindPlugin,
	".plugin":    KindPlugin,
	".bundle":    KindPlugin,
}

// BuildGraph walks an application bundle and returns its signing graph.
//
// Discovery classifies nested frameworks and plugin bundles, shared
// libraries, and Mach-O executables (sniffed by header for extension-less
// files under Contents/MacOS and Helpers directories). The outer bundle is
// always the final target.
func BuildGraph(bundlePath string) (*Graph, error) {
	abs, err := filepath.Abs(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}
	if !info.IsDir() || filepath.Ext(abs) != ".app" {
		return nil, fmt.Errorf("%q is not an application bundle", bundlePath)
	}

	root := &Target{Path: abs, Kind: KindAppBundle}
	var targets []*Target

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == abs {
			return nil
		}

		if d.IsDir() {
			if kind, ok := bundleDirExtensions[filepath.Ext(path)]; ok {
				targets = append(targets, &Target{Path: path, Kind: kind})
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		switch filepath.Ext(path) {
		case ".dylib", ".so":
			targets = append(targets, &Target{Path: path, Kind: KindDylib})
			return nil
		}

		if isCandidateExecutable(path, d) && isMachO(path) {
			targets = append(targets, &Target{Path: path, Kind: KindExecutable})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bundle %q: %w", bundlePath, err)
	}

	targets = append(targets, root)
	linkDependencies(targets, root)

	g := &Graph{targets: targets}
	g.sortTopological()
	return g, nil
}

// isCandidateExecutable limits Mach-O sniffing to the places executables
// live: Contents/MacOS and Helpers directories outside framework internals.
func isCandidateExecutable(path string, d fs.DirEntry) bool {
	if filepath.Ext(path) != "" {
		return false
	}

	dir := filepath.Dir(path)
	base := filepath.Base(dir)
	if base != "MacOS" && base != "Helpers" {
		return false
	}

	// Framework version binaries are covered by signing the framework.
	if strings.Contains(path, ".framework"+string(filepath.Separator)) {
		return false
	}

	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// isMachO sniffs the file header. Both thin and universal binaries count.
func isMachO(path string) bool {
	if f, err := macho.Open(path); err == nil {
		f.Close()
		return true
	}
	if ff, err := macho.OpenFat(path); err == nil {
		ff.Close()
		return true
	}
	return false
}

// linkDependencies wires the inside-out edges:
//   - a container depends on every target directly inside it, and
//   - an executable depends on the libraries and bundles beside it, since
//     signing it embeds nothing but loading it requires them signed first.
func linkDependencies(targets []*Target, root *Target) {
	containers := make([]*Target, 0, len(targets))
	for _, t := range targets {
		if t.Container() {
			containers = append(containers, t)
		}
	}

	nearest := func(t *Target) *Target {
		var best *Target
		for _, c := range containers {
			if c == t || !strings.HasPrefix(t.Path, c.Path+string(filepath.Separator)) {
				continue
			}
			if best == nil || len(c.Path) > len(best.Path) {
				best = c
			}
		}
		if best == nil && t != root {
			best = root
		}
		return best
	}

	children := make(map[*Target][]*Target)
	for _, t := range targets {
		if c := nearest(t); c != nil {
			c.DependsOn = append(c.DependsOn, t)
			children[c] = append(children[c], t)
		}
	}

	// Executables load their sibling libraries and frameworks.
	for c, kids := range children {
		for _, t := range kids {
			if t.Kind != KindExecutable {
				continue
			}
			for _, sibling := range children[c] {
				switch sibling.Kind {
				case KindDylib, KindFramework, KindPlugin:
					t.DependsOn = append(t.DependsOn, sibling)
				}
			}
		}
	}
}

// Ordered returns the targets in a safe signing order: every target appears
// after all of its dependencies, the outer bundle last.
func (g *Graph) Ordered() []*Target {
	return g.targets
}

// Tiers groups targets by dependency depth. All targets in one tier are
// independent of each other and may be signed concurrently; each tier must
// fully complete before the next starts.
func (g *Graph) Tiers() [][]*Target {
	depth := make(map[*Target]int, len(g.targets))

	var depthOf func(t *Target) int
	depthOf = func(t *Target) int {
		if d, ok := depth[t]; ok {
			return d
		}
		d := 0
		for _, dep := range t.DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[t] = d
		return d
	}

	maxDepth := 0
	for _, t := range g.targets {
		if d := depthOf(t); d > maxDepth {
			maxDepth = d
		}
	}

	tiers := make([][]*Target, maxDepth+1)
	for _, t := range g.targets {
		d := depth[t]
		tiers[d] = append(tiers[d], t)
	}
	return tiers
}

// sortTopological orders targets by dependency depth, breaking ties by path
// for stable output.
func (g *Graph) sortTopological() {
	depth := make(map[*Target]int, len(g.targets))

	var depthOf func(t *Target) int
	depthOf = func(t *Target) int {
		if d, ok := depth[t]; ok {
			return d
		}
		// Mark before recursing so an unexpected cycle terminates.
		depth[t] = 0
		d := 0
		for _, dep := range t.DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[t] = d
		return d
	}

	for _, t := range g.targets {
		depthOf(t)
	}

	sort.SliceStable(g.targets, func(i, j int) bool {
		di, dj := depth[g.targets[i]], depth[g.targets[j]]
		if di != dj {
			return di < dj
		}
		return g.targets[i].Path < g.targets[j].Path
	})
}
