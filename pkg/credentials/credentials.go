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

// Package credentials loads and validates the signing credential
// configuration: the Apple Developer team, P12 certificate material, and the
// optional notarization account. It never talks to the keychain or any
// signing tool.
package credentials

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// OptionalCertPolicy decides what happens when an optional certificate
// cannot be imported: downgrade capability with a warning, or abort.
type OptionalCertPolicy string

const (
	// PolicyWarn downgrades capability and continues. This is the default.
	PolicyWarn OptionalCertPolicy = "warn"
	// PolicyFail aborts the pipeline. Intended for production builds where
	// a missing installer certificate must not pass silently.
	PolicyFail OptionalCertPolicy = "fail"
)

// P12Paths locates the PKCS#12 certificate bundles. Only Application is
// mandatory; missing Installer or Distribution material downgrades the
// corresponding capability.
type P12Paths struct {
	Application  string `yaml:"application"`
	Installer    string `yaml:"installer"`
	Distribution string `yaml:"distribution"`
}

// AppStoreConnectKey holds App Store Connect API credentials, the preferred
// authentication for notarization submissions.
type AppStoreConnectKey struct {
	KeyID    string `yaml:"key_id"`
	IssuerID string `yaml:"issuer_id"`
	KeyPath  string `yaml:"key_path"`
}

// Complete reports whether all three API key fields are present.
func (k *AppStoreConnectKey) Complete() bool {
	return k != nil && k.KeyID != "" && k.IssuerID != "" && k.KeyPath != ""
}

// Credentials is the validated credential record consumed by the pipeline.
type Credentials struct {
	TeamID      string   `yaml:"team_id"`
	P12         P12Paths `yaml:"p12"`
	P12Password string   `yaml:"p12_password"`

	// Apple-ID authentication for notarytool, used when no API key is
	// configured.
	AppleID             string `yaml:"apple_id"`
	AppSpecificPassword string `yaml:"app_specific_password"`

	AppStoreConnect *AppStoreConnectKey `yaml:"app_store_connect"`

	OptionalCertPolicy OptionalCertPolicy `yaml:"optional_cert_policy"`
}

// ConfigError reports a missing or invalid credential field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("credential config: field %q %s", e.Field, e.Reason)
}

// Environment variables consulted when the config file omits a password.
// These match the secret names the CI workflows export.
const (
	envP12Password         = "APPLE_CERTIFICATE_PASSWORD"
	envAppSpecificPassword = "APPLE_APP_SPECIFIC_PASSWORD"
)

// Load reads a YAML (or JSON) credentials file, applies environment
// fallbacks for passwords, and validates mandatory fields.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file %q: %w", path, err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file %q: %w", path, err)
	}

	if creds.P12Password == "" {
		creds.P12Password = os.Getenv(envP12Password)
	}
	if creds.AppSpecificPassword == "" {
		creds.AppSpecificPassword = os.Getenv(envAppSpecificPassword)
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}

	return &creds, nil
}

// Validate checks mandatory fields and value constraints. Optional
// capability (installer, distribution, notarization account) is allowed to
// be absent. An unset OptionalCertPolicy defaults to PolicyWarn, so a
// zero-value record with the mandatory fields filled in is valid.
func (c *Credentials) Validate() error {
	if c.TeamID == "" {
		return &ConfigError{Field: "team_id", Reason: "is required"}
	}
	if c.P12.Application == "" {
		return &ConfigError{Field: "p12.application", Reason: "is required"}
	}
	if c.P12Password == "" {
		return &ConfigError{Field: "p12_password", Reason: "is required (or set " + envP12Password + ")"}
	}

	switch c.OptionalCertPolicy {
	case "":
		c.OptionalCertPolicy = PolicyWarn
	case PolicyWarn, PolicyFail:
	default:
		return &ConfigError{
			Field:  "optional_cert_policy",
			Reason: fmt.Sprintf("must be %q or %q, got %q", PolicyWarn, PolicyFail, c.OptionalCertPolicy),
		}
	}

	// An Apple ID without its password (or vice versa) is a config mistake,
	// not a downgraded capability.
	if (c.AppleID == "") != (c.AppSpecificPassword == "") {
		return &ConfigError{
			Field:  "apple_id",
			Reason: "and app_specific_password must be set together",
		}
	}

	if c.AppStoreConnect != nil && !c.AppStoreConnect.Complete() {
		return &ConfigError{
			Field:  "app_store_connect",
			Reason: "requires key_id, issuer_id and key_path",
		}
	}

	return nil
}

// HasInstallerCert reports whether installer package signing material is
// configured.
func (c *Credentials) HasInstallerCert() bool {
	return c.P12.Installer != ""
}

// HasDistributionCert reports whether distribution-channel signing material
// is configured.
func (c *Credentials) HasDistributionCert() bool {
	return c.P12.Distribution != ""
}

// CanNotarize reports whether any notarization authentication is configured.
func (c *Credentials) CanNotarize() bool {
	return c.AppStoreConnect.Complete() || (c.AppleID != "" && c.AppSpecificPassword != "")
}
