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
	"os"
	"testing"

	"howett.net/plist"
)

func TestParseBuildType(t *testing.T) {
	for _, valid := range []string{"dev", "staging", "production"} {
		if _, err := ParseBuildType(valid); err != nil {
			t.Errorf("ParseBuildType(%q) error = %v", valid, err)
		}
	}
	if _, err := ParseBuildType("release"); err == nil {
		t.Error("ParseBuildType accepted an unknown build type")
	}
}

func TestCapabilitiesPerBuildType(t *testing.T) {
	has := func(caps []Capability, want Capability) bool {
		for _, c := range caps {
			if c == want {
				return true
			}
		}
		return false
	}

	dev := CapabilitiesFor(BuildDev)
	if !has(dev, CapGetTaskAllow) {
		t.Error("dev build missing get-task-allow")
	}
	if !has(dev, CapAudioInput) {
		t.Error("dev build missing the base audio capability")
	}

	for _, build := range []BuildType{BuildStaging, BuildProduction} {
		caps := CapabilitiesFor(build)
		if has(caps, CapGetTaskAllow) {
			t.Errorf("%s build carries get-task-allow", build)
		}
		if has(caps, CapDyldEnvironment) {
			t.Errorf("%s build allows dyld environment overrides", build)
		}
		if !has(caps, CapNetworkClient) {
			t.Errorf("%s build missing network client capability", build)
		}
	}
}

func TestWriteEntitlementsRoundTrip(t *testing.T) {
	caps := CapabilitiesFor(BuildProduction)

	path, cleanup, err := WriteEntitlements(caps)
	if err != nil {
		t.Fatalf("WriteEntitlements() error = %v", err)
	}
	defer cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read entitlements: %v", err)
	}

	var doc map[string]bool
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal entitlements: %v", err)
	}

	for _, c := range caps {
		if !doc[string(c)] {
			t.Errorf("entitlement %s missing or false", c)
		}
	}
	if len(doc) != len(caps) {
		t.Errorf("entitlements document has %d keys, want %d", len(doc), len(caps))
	}
}

func TestWriteEntitlementsCleanup(t *testing.T) {
	path, cleanup, err := WriteEntitlements(CapabilitiesFor(BuildDev))
	if err != nil {
		t.Fatalf("WriteEntitlements() error = %v", err)
	}

	cleanup()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cleanup left the entitlements file behind")
	}
}
