/*
Copyright 2024 Meridian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retry wraps fallible operations with bounded retries, exponential
// backoff and jitter. Transient failures stay invisible to callers unless
// every attempt is exhausted, in which case the returned error is
// distinguishable from the underlying failure kind.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Options tunes WithRetry. Zero values fall back to the defaults below.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

const (
	defaultMaxAttempts   = 3
	defaultInitialDelay  = 1 * time.Second
	defaultMaxDelay      = 10 * time.Second
	defaultBackoffFactor = 2.0

	// jitterMax bounds the uniform random jitter added to every
	// inter-attempt delay, so concurrent callers do not retry in
	// lockstep.
	jitterMax = 200 * time.Millisecond
)

// ExhaustedError reports that an operation failed after every attempt.
// It wraps the last underlying error; callers must not mistake it for the
// original failure kind.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsExhausted reports whether err is a retry-exhaustion error.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = defaultBackoffFactor
	}
	return o
}

// WithRetry invokes operation until it succeeds or opts.MaxAttempts is
// exhausted. The delay before attempt n+1 is
// min(InitialDelay*BackoffFactor^n, MaxDelay) plus bounded uniform jitter.
// Sleeps are context-aware and hold no locks. On final failure the returned
// error is an *ExhaustedError wrapping the last attempt's error.
func WithRetry(ctx context.Context, operation func() error, opts Options) error {
	opts = opts.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialDelay
	bo.MaxInterval = opts.MaxDelay
	bo.Multiplier = opts.BackoffFactor
	bo.RandomizationFactor = 0 // jitter is added explicitly below
	bo.MaxElapsedTime = 0      // attempts bound the loop, not elapsed time
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if attempt == opts.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		delay += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: opts.MaxAttempts, LastErr: lastErr}
}
