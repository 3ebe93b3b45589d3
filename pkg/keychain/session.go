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

// Package keychain manages the ephemeral signing keychain: a uniquely named,
// randomly passworded credential container created for one pipeline run and
// guaranteed to be deleted when the run ends. It also selects the signing
// identity to use for each purpose.
package keychain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tirans/r2midi-sub002/pkg/credentials"
	"github.com/tirans/r2midi-sub002/pkg/logging"
	"github.com/tirans/r2midi-sub002/pkg/toolexec"
)

// Tools granted access to imported keys. Restricting the access list keeps
// the private keys unusable from anything but the signing tools.
var signingTools = []string{"/usr/bin/codesign", "/usr/bin/productsign"}

// Capabilities records which certificate kinds were successfully imported.
type Capabilities struct {
	Application  bool
	Installer    bool
	Distribution bool
}

// Options configures Open.
type Options struct {
	// NamePrefix prefixes the keychain file name. Defaults to "macdist".
	NamePrefix string
	// TTL is the auto-lock timeout applied to the keychain. Defaults to 1h.
	TTL time.Duration
}

// Session is an open ephemeral keychain. It is exclusively owned by the
// pipeline run that created it and must be closed on every exit path.
type Session struct {
	// Name is the keychain file name, unique per run.
	Name string
	// Capabilities reports which identities the session can sign with.
	Capabilities Capabilities

	password   string
	createdAt  time.Time
	searchList []string

	runner toolexec.Runner
	log    logging.Logger

	mu     sync.Mutex
	closed bool
}

// SetupError reports a fatal failure while creating the keychain or
// importing a mandatory certificate.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("keychain setup: %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Open creates the ephemeral keychain and imports all available P12 bundles.
//
// The keychain name is timestamp plus random suffix so concurrent pipelines
// on a shared machine never collide. Failure to import the application
// certificate is fatal; failure to import installer or distribution material
// downgrades capability or aborts, per the credentials' OptionalCertPolicy.
func Open(ctx context.Context, runner toolexec.Runner, creds *credentials.Credentials, opts Options, log logging.Logger) (*Session, error) {
	log = logging.EnsureLogger(log).WithField("stage", "keychain")

	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = "macdist"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	s := &Session{
		Name:      fmt.Sprintf("%s-%d-%s.keychain-db", prefix, time.Now().Unix(), uuid.NewString()[:8]),
		password:  uuid.NewString(),
		createdAt: time.Now(),
		runner:    runner,
		log:       log,
	}

	log.Info("creating ephemeral keychain %s", s.Name)

	if _, err := runner.Run(ctx, "security", []string{"create-keychain", "-p", s.password, s.Name}, nil); err != nil {
		return nil, &SetupError{Step: "create-keychain", Err: err}
	}

	// Teardown on any failure below; Close is idempotent so the caller's
	// deferred Close stays safe.
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	seconds := int(ttl / time.Second)
	if _, err := runner.Run(ctx, "security", []string{"set-keychain-settings", "-lut", fmt.Sprint(seconds), s.Name}, nil); err != nil {
		return nil, &SetupError{Step: "set-keychain-settings", Err: err}
	}

	if _, err := runner.Run(ctx, "security", []string{"unlock-keychain", "-p", s.password, s.Name}, nil); err != nil {
		return nil, &SetupError{Step: "unlock-keychain", Err: err}
	}

	if err := s.spliceSearchList(ctx); err != nil {
		return nil, &SetupError{Step: "list-keychains", Err: err}
	}

	// Mandatory application certificate.
	if err := s.importP12(ctx, creds.P12.Application, creds.P12Password); err != nil {
		return nil, &SetupError{Step: "import application certificate", Err: err}
	}
	s.Capabilities.Application = true

	// Optional certificates downgrade capability on failure unless the
	// policy says otherwise.
	optional := []struct {
		name string
		path string
		flag *bool
	}{
		{"installer", creds.P12.Installer, &s.Capabilities.Installer},
		{"distribution", creds.P12.Distribution, &s.Capabilities.Distribution},
	}
	for _, opt := range optional {
		if opt.path == "" {
			continue
		}
		if err := s.importP12(ctx, opt.path, creds.P12Password); err != nil {
			if creds.OptionalCertPolicy == credentials.PolicyFail {
				return nil, &SetupError{Step: fmt.Sprintf("import %s certificate", opt.name), Err: err}
			}
			log.Warn("skipping %s signing capability: %v", opt.name, err)
			continue
		}
		*opt.flag = true
	}

	// Allow the signing tools to use the imported keys without an
	// interactive approval prompt.
	if _, err := runner.Run(ctx, "security", []string{
		"set-key-partition-list", "-S", "apple-tool:,apple:", "-s", "-k", s.password, s.Name,
	}, nil); err != nil {
		return nil, &SetupError{Step: "set-key-partition-list", Err: err}
	}

	ok = true
	return s, nil
}

func (s *Session) importP12(ctx context.Context, path, password string) error {
	args := []string{"import", path, "-k", s.Name, "-P", password, "-f", "pkcs12"}
	for _, tool := range signingTools {
		args = append(args, "-T", tool)
	}

	if _, err := s.runner.Run(ctx, "security", args, nil); err != nil {
		return fmt.Errorf("import %q: %w", path, err)
	}
	return nil
}

// spliceSearchList records the current user keychain search list and
// prepends the session keychain so the signing tools can find it.
func (s *Session) spliceSearchList(ctx context.Context) error {
	res, err := s.runner.Run(ctx, "security", []string{"list-keychains", "-d", "user"}, nil)
	if err != nil {
		return err
	}
	s.searchList = parseKeychainList(res.Stdout)

	args := append([]string{"list-keychains", "-d", "user", "-s", s.Name}, s.searchList...)
	if _, err := s.runner.Run(ctx, "security", args, nil); err != nil {
		return err
	}
	return nil
}

// parseKeychainList parses `security list-keychains` output: one quoted,
// indented path per line.
func parseKeychainList(out string) []string {
	var list []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"`)
		if line != "" {
			list = append(list, line)
		}
	}
	return list
}

// Close restores the keychain search list and deletes the session keychain.
// It is idempotent and never blocks on the signing tools; teardown errors
// are reported but each step still runs.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Teardown must proceed even if the pipeline's context was cancelled.
	ctx := context.Background()

	var firstErr error

	if len(s.searchList) > 0 {
		args := append([]string{"list-keychains", "-d", "user", "-s"}, s.searchList...)
		if _, err := s.runner.Run(ctx, "security", args, nil); err != nil {
			firstErr = fmt.Errorf("restore keychain search list: %w", err)
		}
	}

	if _, err := s.runner.Run(ctx, "security", []string{"delete-keychain", s.Name}, nil); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("delete keychain %s: %w", s.Name, err)
	}

	if firstErr != nil {
		s.log.Warn("keychain teardown incomplete: %v", firstErr)
	} else {
		s.log.Info("deleted ephemeral keychain %s", s.Name)
	}
	return firstErr
}
