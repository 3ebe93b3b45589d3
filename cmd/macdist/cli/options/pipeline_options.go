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

package options

import (
	"time"

	"github.com/spf13/cobra"
)

// CredentialsFlags locates the credentials file shared by all pipeline
// commands.
type CredentialsFlags struct {
	// Config is the path to the credentials YAML or JSON file.
	Config string
}

// AddFlags adds the credentials flags to the cobra command.
func (o *CredentialsFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Config, "config", "c", "apple_credentials.yaml",
		"Path to the signing credentials file.")
	_ = cmd.MarkFlagFilename("config", "yaml", "yml", "json")
}

// ArtifactFlags name the artifacts a pipeline command operates on.
type ArtifactFlags struct {
	// Bundle is the application bundle to process.
	Bundle string
	// Package is an optional installer package to sign and notarize in
	// place of the bundle.
	Package string
}

// AddFlags adds the artifact flags to the cobra command.
func (o *ArtifactFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Bundle, "app", "",
		"Path to the .app bundle.")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagDirname("app")

	cmd.Flags().StringVar(&o.Package, "pkg", "",
		"Optional .pkg installer to sign and notarize instead of the bundle.")
	_ = cmd.MarkFlagFilename("pkg", "pkg")
}

// SigningFlags tune the signing half of the pipeline.
type SigningFlags struct {
	// BuildType selects the entitlement profile (dev, staging, production).
	BuildType string
	// Workers bounds per-tier signing parallelism.
	Workers int
}

// AddFlags adds the signing flags to the cobra command.
func (o *SigningFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.BuildType, "build-type", "production",
		"Entitlement profile to sign with (dev, staging, production).")

	cmd.Flags().IntVar(&o.Workers, "sign-workers", 0,
		"Maximum concurrent signing operations per dependency tier (0 = auto).")
}

// NotarizeFlags tune the notarization half of the pipeline.
type NotarizeFlags struct {
	// Timeout bounds the wait for the notary verdict.
	Timeout time.Duration
	// Skip disables notarization entirely.
	Skip bool
}

// AddFlags adds the notarization flags to the cobra command.
func (o *NotarizeFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.Timeout, "notarize-timeout", 30*time.Minute,
		"Maximum wait for the notary service verdict.")

	cmd.Flags().BoolVar(&o.Skip, "skip-notarization", false,
		"Sign only, without submitting to the notary service.")
}

// ReportFlags control the machine-readable run report.
type ReportFlags struct {
	// Path is where the JSON report is written. Empty disables it.
	Path string
}

// AddFlags adds the report flags to the cobra command.
func (o *ReportFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Path, "report-file", "",
		"Write the run report as JSON to this file.")
	_ = cmd.MarkFlagFilename("report-file", "json")
}
