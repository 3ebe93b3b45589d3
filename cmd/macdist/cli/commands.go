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

// Package cli wires the macdist commands: release, sign, notarize.
package cli

import (
	"github.com/spf13/cobra"
	cobracompletefig "github.com/withfig/autocomplete-tools/integrations/cobra"
	"sigs.k8s.io/release-utils/version"

	"github.com/tirans/r2midi-sub002/cmd/macdist/cli/options"
)

var ro = &options.RootOptions{}

// New builds the macdist root command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "macdist",
		Short:             "macOS application signing and notarization.",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}
	ro.AddFlags(cmd)

	// Add sub-commands.
	cmd.AddCommand(Release())
	cmd.AddCommand(Sign())
	cmd.AddCommand(Notarize())
	cmd.AddCommand(version.WithFont("starwars"))
	cmd.AddCommand(cobracompletefig.CreateCompletionSpecCommand())
	return cmd
}
