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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// writeTestP12 creates a self-signed identity in a password-protected P12
// file, shaped like an Apple Developer ID certificate (team id in the OU).
func writeTestP12(t *testing.T, commonName, teamID, password string, notAfter time.Time) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         commonName,
			OrganizationalUnit: []string{teamID},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  notAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pfx, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		t.Fatalf("encode p12: %v", err)
	}

	path := filepath.Join(t.TempDir(), "identity.p12")
	if err := os.WriteFile(path, pfx, 0600); err != nil {
		t.Fatalf("write p12: %v", err)
	}
	return path
}

func TestInspectP12(t *testing.T) {
	notAfter := time.Now().Add(365 * 24 * time.Hour).Truncate(time.Second)
	path := writeTestP12(t, "Developer ID Application: Example Corp (TEAM123456)", "TEAM123456", "pw", notAfter)

	id, err := InspectP12(path, "pw")
	if err != nil {
		t.Fatalf("InspectP12() error = %v", err)
	}

	if id.CommonName != "Developer ID Application: Example Corp (TEAM123456)" {
		t.Errorf("CommonName = %q", id.CommonName)
	}
	if id.TeamID != "TEAM123456" {
		t.Errorf("TeamID = %q, want TEAM123456", id.TeamID)
	}
	if id.Expired(time.Now()) {
		t.Error("Expired() = true for a future certificate")
	}
}

func TestInspectP12WrongPassword(t *testing.T) {
	path := writeTestP12(t, "Developer ID Application: Example Corp (TEAM123456)", "TEAM123456", "pw", time.Now().Add(time.Hour))

	if _, err := InspectP12(path, "not-the-password"); err == nil {
		t.Fatal("InspectP12() with wrong password succeeded")
	}
}

func TestVerifyP12TeamMismatch(t *testing.T) {
	path := writeTestP12(t, "Developer ID Application: Example Corp (OTHER)", "OTHERTEAM0", "pw", time.Now().Add(time.Hour))

	_, err := VerifyP12(path, "pw", "TEAM123456", time.Now())

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("VerifyP12() error = %v, want *ConfigError", err)
	}
	if cfgErr.Field != "team_id" {
		t.Errorf("ConfigError.Field = %q, want team_id", cfgErr.Field)
	}
}

func TestVerifyP12Expired(t *testing.T) {
	path := writeTestP12(t, "Developer ID Application: Example Corp (TEAM123456)", "TEAM123456", "pw", time.Now().Add(-time.Minute))

	_, err := VerifyP12(path, "pw", "TEAM123456", time.Now())

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("VerifyP12() error = %v, want *ConfigError", err)
	}
}
