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

// Sign runs the signing half only.
func Sign() *cobra.Command {
	f := &pipelineFlags{}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an application bundle without notarizing.",
		Long: `Sign an application bundle without notarizing.

    Sanitizes the bundle, signs every nested component inside-out, and
    signs the installer package when --pkg and an installer certificate
    are present. Useful for local builds and for splitting a release into
    a signing machine and a notarization machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, f, pipeline.ModeSignOnly)
		},
	}

	f.AddFlags(cmd)
	return cmd
}
