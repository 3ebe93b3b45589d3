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

package credentials

import (
	"fmt"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// P12Identity is the identity metadata extracted from a PKCS#12 bundle
// without touching any keychain.
type P12Identity struct {
	// CommonName is the certificate subject common name, e.g.
	// "Developer ID Application: Example Corp (TEAM123456)".
	CommonName string
	// TeamID is the Apple team identifier, taken from the subject
	// organizational unit.
	TeamID string
	// NotAfter is the certificate expiry.
	NotAfter time.Time
}

// Expired reports whether the identity is expired at the given instant.
func (id *P12Identity) Expired(now time.Time) bool {
	return now.After(id.NotAfter)
}

// InspectP12 decodes a P12 file and returns its leaf identity. A wrong
// password or corrupt file fails here, before any keychain is created.
func InspectP12(path, password string) (*P12Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read p12 %q: %w", path, err)
	}

	_, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode p12 %q: %w", path, err)
	}

	id := &P12Identity{
		CommonName: cert.Subject.CommonName,
		NotAfter:   cert.NotAfter,
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		id.TeamID = cert.Subject.OrganizationalUnit[0]
	}

	return id, nil
}

// VerifyP12 inspects a P12 and checks it against the configured team and the
// current time. Used as a fail-fast gate before the keychain session opens.
func VerifyP12(path, password, teamID string, now time.Time) (*P12Identity, error) {
	id, err := InspectP12(path, password)
	if err != nil {
		return nil, err
	}

	if id.TeamID != "" && id.TeamID != teamID {
		return nil, &ConfigError{
			Field:  "team_id",
			Reason: fmt.Sprintf("does not match certificate %q (team %s)", id.CommonName, id.TeamID),
		}
	}
	if id.Expired(now) {
		return nil, &ConfigError{
			Field:  "p12",
			Reason: fmt.Sprintf("certificate %q expired %s", id.CommonName, id.NotAfter.Format(time.RFC3339)),
		}
	}

	return id, nil
}
