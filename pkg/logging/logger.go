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

package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Verify defaultLogger implements Logger at compile time.
var _ Logger = (*defaultLogger)(nil)

// LoggerOptions configures a logger created by New.
type LoggerOptions struct {
	// Level sets the minimum log level to output. Defaults to LevelInfo.
	Level LogLevel
	// Format selects the output format. Ignored if Formatter is set.
	Format LogFormat
	// Formatter sets a custom formatter for log output.
	Formatter Formatter
	// Output sets the io.Writer for log output. Defaults to os.Stderr.
	Output io.Writer
	// TimeFormat sets the time format for text logs. Empty disables
	// timestamps. Only used when Formatter is nil.
	TimeFormat string
}

type defaultLogger struct {
	mu        *sync.Mutex
	level     LogLevel
	formatter Formatter
	out       io.Writer
	fields    map[string]interface{}
}

// New creates a Logger from the given options.
func New(opts LoggerOptions) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	formatter := opts.Formatter
	if formatter == nil {
		switch opts.Format {
		case FormatJSON:
			formatter = &JSONFormatter{}
		default:
			formatter = &TextFormatter{TimeFormat: opts.TimeFormat, ShowLevel: true}
		}
	}

	return &defaultLogger{
		mu:        &sync.Mutex{},
		level:     opts.Level,
		formatter: formatter,
		out:       out,
	}
}

func (l *defaultLogger) log(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Fields:    l.fields,
	}

	data, err := l.formatter.Format(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(data)
}

func (l *defaultLogger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *defaultLogger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *defaultLogger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *defaultLogger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

func (l *defaultLogger) GetLevel() LogLevel {
	return l.level
}

// WithField returns a copy of the logger with the field added. The receiver
// is not modified; loggers share the output mutex so concurrent stages do
// not interleave lines.
func (l *defaultLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &defaultLogger{
		mu:        l.mu,
		level:     l.level,
		formatter: l.formatter,
		out:       l.out,
		fields:    merged,
	}
}
