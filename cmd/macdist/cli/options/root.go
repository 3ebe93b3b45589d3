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

// Package options defines the command-line flag groups for the macdist CLI.
package options

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tirans/r2midi-sub002/pkg/logging"
)

// FlagAdder is implemented by any flag group that can register itself to a
// cobra command.
type FlagAdder interface {
	AddFlags(cmd *cobra.Command)
}

// RootOptions defines flags available globally across all subcommands.
type RootOptions struct {
	// LogLevel sets the minimum log level (debug, info, warn, error, silent).
	LogLevel string
	// LogFormat sets the log output format (text, json).
	LogFormat string
	// Timeout bounds the whole command, notarization wait included.
	Timeout time.Duration
}

// DefaultTimeout covers signing plus a slow notarization verdict.
const DefaultTimeout = 90 * time.Minute

var _ FlagAdder = (*RootOptions)(nil)

// AddFlags adds the root-level flags to the cobra command.
func (o *RootOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.LogLevel, "log-level", "info",
		"set the minimum log level (debug, info, warn, error, silent)")

	cmd.PersistentFlags().StringVar(&o.LogFormat, "log-format", "text",
		"set the log output format (text, json)")

	cmd.PersistentFlags().DurationVarP(&o.Timeout, "timeout", "t", DefaultTimeout,
		"timeout for the whole command")
}

// NewLogger creates a logger based on the root options.
func (o *RootOptions) NewLogger() logging.Logger {
	return logging.New(logging.LoggerOptions{
		Level:  logging.ParseLogLevel(o.LogLevel),
		Format: logging.ParseLogFormat(o.LogFormat),
	})
}
