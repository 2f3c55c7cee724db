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

// Package ratelimit bounds outbound call volume to the blockchain data
// provider within a sliding time window. Unlike the token-bucket middleware
// used on the inbound HTTP side, callers here suspend until a slot frees up
// rather than being rejected.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most maxRequests calls within any trailing window.
// All admission decisions run under a single mutex so concurrent callers
// cannot jointly exceed the window; the wait itself never holds the lock.
type Limiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	timestamps  []time.Time

	// now is replaceable in tests for deterministic clocks.
	now func() time.Time
}

// NewLimiter creates a sliding-window limiter admitting maxRequests calls
// per window. A maximum below one would leave Acquire with no slot to ever
// hand out, so it is clamped.
func NewLimiter(window time.Duration, maxRequests int) *Limiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &Limiter{
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// prune drops timestamps that have left the trailing window.
// Callers must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept
}

// Acquire blocks the caller until the number of calls made within the
// trailing window is below the maximum, then records the call and returns.
// It returns early with the context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.timestamps) < l.maxRequests {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest recorded call exits the window, then
		// re-check; another caller may have taken the freed slot.
		waitTime := l.window - now.Sub(l.timestamps[0])
		l.mu.Unlock()

		if waitTime <= 0 {
			continue
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RequestsRemaining reports current headroom without blocking or recording
// a call.
func (l *Limiter) RequestsRemaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.maxRequests - len(l.timestamps)
}
