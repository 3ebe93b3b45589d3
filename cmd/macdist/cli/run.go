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
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tirans/r2midi-sub002/cmd/macdist/cli/options"
	"github.com/tirans/r2midi-sub002/pkg/pipeline"
	"github.com/tirans/r2midi-sub002/pkg/signing"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// pipelineFlags is the flag surface shared by release, sign and notarize.
type pipelineFlags struct {
	Credentials options.CredentialsFlags
	Artifacts   options.ArtifactFlags
	Signing     options.SigningFlags
	Notarize    options.NotarizeFlags
	Report      options.ReportFlags
}

func (f *pipelineFlags) AddFlags(cmd *cobra.Command) {
	f.Credentials.AddFlags(cmd)
	f.Artifacts.AddFlags(cmd)
	f.Signing.AddFlags(cmd)
	f.Notarize.AddFlags(cmd)
	f.Report.AddFlags(cmd)
}

// runPipeline executes the pipeline in the given mode and renders the
// report. The pipeline error propagates so main can map its exit code.
func runPipeline(cmd *cobra.Command, f *pipelineFlags, mode pipeline.Mode) error {
	log := ro.NewLogger()

	build, err := signing.ParseBuildType(f.Signing.BuildType)
	if err != nil {
		return err
	}

	if mode == pipeline.ModeFull && f.Notarize.Skip {
		mode = pipeline.ModeSignOnly
	}

	ctx := cmd.Context()
	if ro.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ro.Timeout)
		defer cancel()
	}

	p := pipeline.New(toolexec.NewExecRunner(), log)
	report, runErr := p.Run(ctx, &pipeline.Config{
		CredentialsPath: f.Credentials.Config,
		BundlePath:      f.Artifacts.Bundle,
		PackagePath:     f.Artifacts.Package,
		BuildType:       build,
		Mode:            mode,
		NotarizeTimeout: f.Notarize.Timeout,
		MaxWorkers:      f.Signing.Workers,
	})

	fmt.Fprint(cmd.OutOrStdout(), report.Summary())

	if f.Report.Path != "" {
		if err := writeReport(report, f.Report.Path); err != nil {
			log.Warn("cannot write report file: %v", err)
		}
	}

	return runErr
}

func writeReport(report *pipeline.Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
