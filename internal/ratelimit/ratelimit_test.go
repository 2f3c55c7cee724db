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

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireWithinLimit(t *testing.T) {
	l := NewLimiter(time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Acquire(ctx))
	}
	assert.Equal(t, 0, l.RequestsRemaining())
}

func TestZeroMaximumClampedToOne(t *testing.T) {
	l := NewLimiter(time.Second, 0)

	assert.Equal(t, 1, l.RequestsRemaining())
	assert.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 0, l.RequestsRemaining())
}

func TestRequestsRemainingDoesNotConsume(t *testing.T) {
	l := NewLimiter(time.Second, 5)

	assert.Equal(t, 5, l.RequestsRemaining())
	assert.Equal(t, 5, l.RequestsRemaining())

	assert.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 4, l.RequestsRemaining())
}

func TestWindowSlides(t *testing.T) {
	now := time.Now()
	l := NewLimiter(time.Second, 2)
	l.now = func() time.Time { return now }

	assert.NoError(t, l.Acquire(context.Background()))
	assert.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 0, l.RequestsRemaining())

	// Advance the clock past the window; both slots free up.
	now = now.Add(1100 * time.Millisecond)
	assert.Equal(t, 2, l.RequestsRemaining())
}

func TestAcquireBlocksUntilSlotFrees(t *testing.T) {
	l := NewLimiter(50*time.Millisecond, 1)
	ctx := context.Background()

	assert.NoError(t, l.Acquire(ctx))

	start := time.Now()
	assert.NoError(t, l.Acquire(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "second acquire should wait for the window")
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := NewLimiter(10*time.Second, 1)
	assert.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAcquireNeverExceedsWindow(t *testing.T) {
	const max = 5
	l := NewLimiter(100*time.Millisecond, max)

	var mu sync.Mutex
	var admitted []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, admitted, 20)

	// No trailing window may contain more than max admissions. A small
	// tolerance absorbs the gap between admission and timestamping.
	for _, anchor := range admitted {
		count := 0
		for _, ts := range admitted {
			if !ts.Before(anchor) && ts.Sub(anchor) < 90*time.Millisecond {
				count++
			}
		}
		assert.LessOrEqual(t, count, max, "window starting at %v over-admitted", anchor)
	}
}
