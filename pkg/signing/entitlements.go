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
	"fmt"
	"os"

	"howett.net/plist"
)

// BuildType selects the entitlement profile for a signing run.
type BuildType string

const (
	BuildDev        BuildType = "dev"
	BuildStaging    BuildType = "staging"
	BuildProduction BuildType = "production"
)

// ParseBuildType validates a build type string.
func ParseBuildType(s string) (BuildType, error) {
	switch BuildType(s) {
	case BuildDev, BuildStaging, BuildProduction:
		return BuildType(s), nil
	}
	return "", fmt.Errorf("unknown build type %q (want dev, staging or production)", s)
}

// Capability is one hardened-runtime entitlement key.
type Capability string

const (
	CapAudioInput               Capability = "com.apple.security.device.audio-input"
	CapNetworkClient            Capability = "com.apple.security.network.client"
	CapNetworkServer            Capability = "com.apple.security.network.server"
	CapUnsignedMemory           Capability = "com.apple.security.cs.allow-unsigned-executable-memory"
	CapDyldEnvironment          Capability = "com.apple.security.cs.allow-dyld-environment-variables"
	CapDisableLibraryValidation Capability = "com.apple.security.cs.disable-library-validation"
	CapGetTaskAllow             Capability = "com.apple.security.get-task-allow"
)

// baseCapabilities is what every build of the app needs under the hardened
// runtime: audio and MIDI I/O plus network access, and relaxed loading for
// the bundled Python runtime.
var baseCapabilities = []Capability{
	CapAudioInput,
	CapNetworkClient,
	CapNetworkServer,
	CapUnsignedMemory,
	CapDisableLibraryValidation,
}

// CapabilitiesFor returns the entitlement keys for a build type. Dev builds
// additionally allow debugger attachment and dyld environment overrides;
// production and staging carry only the base set.
func CapabilitiesFor(build BuildType) []Capability {
	caps := make([]Capability, len(baseCapabilities))
	copy(caps, baseCapabilities)

	if build == BuildDev {
		caps = append(caps, CapGetTaskAllow, CapDyldEnvironment)
	}
	return caps
}

// WriteEntitlements renders the capabilities as an entitlements plist in a
// temp file and returns its path with a cleanup func.
func WriteEntitlements(caps []Capability) (string, func(), error) {
	doc := make(map[string]bool, len(caps))
	for _, c := range caps {
		doc[string(c)] = true
	}

	data, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		return "", nil, fmt.Errorf("render entitlements: %w", err)
	}

	f, err := os.CreateTemp("", "entitlements-*.plist")
	if err != nil {
		return "", nil, fmt.Errorf("create entitlements file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write entitlements file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}

	path := f.Name()
	return path, func() { os.Remove(path) }, nil
}
