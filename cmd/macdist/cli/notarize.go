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

// Notarize resumes a run whose artifacts are already signed.
func Notarize() *cobra.Command {
	f := &pipelineFlags{}

	cmd := &cobra.Command{
		Use:   "notarize",
		Short: "Notarize, staple and verify an already-signed artifact.",
		Long: `Notarize, staple and verify an already-signed artifact.

    Submits the artifact (--pkg when given, otherwise the zipped --app) to
    Apple's notary service, waits for the verdict, staples the ticket and
    runs the final Gatekeeper assessment. An artifact that already carries
    a valid staple skips straight to verification, so re-running after an
    interrupted release is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, f, pipeline.ModeNotarizeOnly)
		},
	}

	f.AddFlags(cmd)
	return cmd
}
