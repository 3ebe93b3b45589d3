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

package keychain

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"time"
)

// CertKind is the signing purpose an identity serves.
type CertKind string

const (
	// KindApplication signs app bundles and their nested code.
	KindApplication CertKind = "application"
	// KindInstaller signs installer packages.
	KindInstaller CertKind = "installer"
	// KindDistribution signs App Store distribution builds.
	KindDistribution CertKind = "distribution"
)

// certKindSubstrings maps a kind to the certificate common-name prefixes
// Apple issues for it.
var certKindSubstrings = map[CertKind][]string{
	KindApplication:  {"Developer ID Application"},
	KindInstaller:    {"Developer ID Installer"},
	KindDistribution: {"3rd Party Mac Developer Application", "Apple Distribution"},
}

// Identity is a signing identity resolved inside a keychain session.
type Identity struct {
	// Name is the certificate common name passed to codesign --sign.
	Name string
	// Hash is the SHA-1 identity hash reported by the security tool.
	Hash string
	// TeamID is the team identifier embedded in the name.
	TeamID string
	// Kind is the purpose this identity was selected for.
	Kind CertKind
	// NotAfter is the certificate expiry.
	NotAfter time.Time
	// Keychain is the session keychain the identity lives in.
	Keychain string
}

// CertificateNotFound reports that no identity of the requested kind and
// team exists in the session.
type CertificateNotFound struct {
	Kind   CertKind
	TeamID string
}

func (e *CertificateNotFound) Error() string {
	return fmt.Sprintf("no %s signing identity for team %s in keychain", e.Kind, e.TeamID)
}

// CertificateExpired reports that the best matching identity is expired.
type CertificateExpired struct {
	Name     string
	NotAfter time.Time
}

func (e *CertificateExpired) Error() string {
	return fmt.Sprintf("signing identity %q expired %s", e.Name, e.NotAfter.Format(time.RFC3339))
}

// identityLine matches lines of `security find-identity -v` output:
//
//	1) A1B2...F0 "Developer ID Application: Example Corp (TEAM123456)"
var identityLine = regexp.MustCompile(`^\s*\d+\)\s+([0-9A-F]{40})\s+"(.+)"\s*$`)

// teamInName extracts the trailing "(TEAMID)" from a certificate name.
var teamInName = regexp.MustCompile(`\(([A-Z0-9]{10})\)$`)

// Select resolves the identity to sign with for the given purpose.
//
// It enumerates the codesigning identities inside the session, filters by
// kind and exact team id, prefers the furthest-future expiry when several
// match, and fails if the best match is already expired. Select only reads
// identity metadata; the session is never mutated.
func (s *Session) Select(ctx context.Context, kind CertKind, teamID string) (*Identity, error) {
	return s.selectAt(ctx, kind, teamID, time.Now())
}

func (s *Session) selectAt(ctx context.Context, kind CertKind, teamID string, now time.Time) (*Identity, error) {
	res, err := s.runner.Run(ctx, "security", []string{"find-identity", "-v", "-p", "codesigning", s.Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("enumerate identities: %w", err)
	}

	candidates := parseIdentities(res.Stdout)

	var best *Identity
	for i := range candidates {
		cand := &candidates[i]
		if !matchesKind(cand.Name, kind) || cand.TeamID != teamID {
			continue
		}

		notAfter, err := s.certificateExpiry(ctx, cand.Name)
		if err != nil {
			s.log.Warn("cannot resolve expiry for %q: %v", cand.Name, err)
			continue
		}
		cand.NotAfter = notAfter
		cand.Kind = kind
		cand.Keychain = s.Name

		if best == nil || cand.NotAfter.After(best.NotAfter) {
			best = cand
		}
	}

	if best == nil {
		return nil, &CertificateNotFound{Kind: kind, TeamID: teamID}
	}
	if now.After(best.NotAfter) {
		return nil, &CertificateExpired{Name: best.Name, NotAfter: best.NotAfter}
	}

	s.log.Debug("selected identity %q (expires %s)", best.Name, best.NotAfter.Format(time.RFC3339))
	return best, nil
}

// parseIdentities extracts identity hashes and names from find-identity
// output.
func parseIdentities(out string) []Identity {
	var ids []Identity
	for _, line := range regexp.MustCompile(`\r?\n`).Split(out, -1) {
		m := identityLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id := Identity{Hash: m[1], Name: m[2]}
		if tm := teamInName.FindStringSubmatch(id.Name); tm != nil {
			id.TeamID = tm[1]
		}
		ids = append(ids, id)
	}
	return ids
}

func matchesKind(name string, kind CertKind) bool {
	for _, sub := range certKindSubstrings[kind] {
		if len(name) >= len(sub) && name[:len(sub)] == sub {
			return true
		}
	}
	return false
}

// certificateExpiry resolves NotAfter by exporting the certificate in PEM
// form and parsing it, instead of string-matching display output.
func (s *Session) certificateExpiry(ctx context.Context, name string) (time.Time, error) {
	res, err := s.runner.Run(ctx, "security", []string{"find-certificate", "-c", name, "-p", s.Name}, nil)
	if err != nil {
		return time.Time{}, err
	}

	block, _ := pem.Decode([]byte(res.Stdout))
	if block == nil {
		return time.Time{}, fmt.Errorf("no PEM certificate in security output for %q", name)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate %q: %w", name, err)
	}

	return cert.NotAfter, nil
}
