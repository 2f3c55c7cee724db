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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("connection reset")

func fastOpts(maxAttempts int) Options {
	return Options{
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	}, fastOpts(3))

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, fastOpts(5))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errFlaky
	}, fastOpts(4))

	assert.Error(t, err)
	assert.Equal(t, 4, calls, "operation must be called at most MaxAttempts times")

	var ex *ExhaustedError
	assert.True(t, errors.As(err, &ex))
	assert.Equal(t, 4, ex.Attempts)
	assert.ErrorIs(t, err, errFlaky, "exhausted error must wrap the last underlying error")
	assert.True(t, IsExhausted(err))
	assert.False(t, IsExhausted(errFlaky), "a plain failure is not an exhaustion")
}

func TestWithRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return errFlaky
	}, Options{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 2})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls, "no further attempts once the context expires")
}

func TestWithRetryDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, time.Second, opts.InitialDelay)
	assert.Equal(t, 10*time.Second, opts.MaxDelay)
	assert.Equal(t, 2.0, opts.BackoffFactor)
}
