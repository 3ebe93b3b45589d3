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

package notary

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Clock abstracts time for deterministic tests of retry and poll loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is done, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemClock is the real-time Clock.
var SystemClock Clock = systemClock{}

// RetryPolicy controls exponential backoff for transient submission
// failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failure; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Jitter is the random fraction (0..1) added to each delay.
	Jitter float64
}

// DefaultRetryPolicy matches the notary service's transient failure
// profile: a few tries, seconds apart.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   5 * time.Second,
	MaxDelay:    60 * time.Second,
	Jitter:      0.2,
}

// Delay returns the backoff before retry number attempt (1-based: the
// delay after the attempt-th failure).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(p.Jitter * rand.Float64() * float64(d))
	}
	return d
}

// retryable marks errors worth another attempt.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err carries the transient marker.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// Do runs fn up to MaxAttempts times, sleeping the backoff between tries.
// Non-retryable errors and context cancellation stop immediately.
func (p RetryPolicy) Do(ctx context.Context, clock Clock, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if clock == nil {
		clock = SystemClock
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}
		if sleepErr := clock.Sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
