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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tirans/r2midi-sub002/pkg/pipeline"
)

// Release runs the full pipeline: sign, notarize, staple, verify.
func Release() *cobra.Command {
	f := &pipelineFlags{}

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Sign, notarize and staple an application for distribution.",
		Long: `Sign, notarize and staple an application for distribution.

    The bundle at --app is cleaned of foreign filesystem metadata, every
    nested signable component is signed inside-out with the Developer ID
    Application identity, and the result is submitted to Apple's notary
    service. On acceptance the ticket is stapled and the artifact passes a
    final Gatekeeper assessment.

    When --pkg names an installer package and an installer certificate is
    configured, the package is signed with productsign and becomes the
    notarized artifact instead of the bundle.

    Signing material comes from the credentials file (--config): certificate
    P12 paths and passwords, the team id, and either an App Store Connect
    API key or an Apple ID with an app-specific password for notarization.
    All keychain work happens in an ephemeral keychain that is deleted when
    the run ends, whatever the outcome.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, f, pipeline.ModeFull)
		},
	}

	f.AddFlags(cmd)
	return cmd
}
