// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements exponential backoff with full jitter for
// retry loops, following the pattern
// sleep = random_between(0, min(maxDelay, baseDelay * 2^attempt)).
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Retry manages backoff state for a retry loop.
//
// Example usage:
//
//	r := retry.New(100*time.Millisecond, 30*time.Second)
//	for {
//	    if err := r.StartAttempt(ctx); err != nil {
//	        return err // context cancelled or timed out
//	    }
//	    if err := dial(); err == nil {
//	        return nil
//	    }
//	}
type Retry struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	initialDelay bool

	mu      sync.Mutex
	step    int // backoff exponent, reset by Reset
	attempt int // total attempts, never reset
	rng     *rand.Rand

	// disableJitter makes delays deterministic for tests.
	disableJitter bool
}

// Option configures a Retry.
type Option func(*Retry)

// WithInitialDelay makes the first StartAttempt wait before returning.
// Use this when you have already tried once before entering the loop.
func WithInitialDelay() Option {
	return func(r *Retry) { r.initialDelay = true }
}

// New creates a Retry with the given base and maximum delays.
// Panics on invalid parameters, which represent a coding error.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 {
		panic("retry: baseDelay must be positive")
	}
	if maxDelay <= 0 {
		panic("retry: maxDelay must be positive")
	}
	if baseDelay > maxDelay {
		panic("retry: baseDelay cannot be greater than maxDelay")
	}

	r := &Retry{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng: rand.New(rand.NewPCG(
			uint64(time.Now().UnixNano()),
			uint64(time.Now().UnixNano()>>32),
		)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StartAttempt waits for the backoff delay before the next attempt.
// The first call returns immediately unless WithInitialDelay was set.
// Returns ctx.Err() if the context ends during the wait.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	wait := r.attempt > 0 || r.initialDelay
	var delay time.Duration
	if wait {
		delay = r.nextDelayLocked()
	}
	r.attempt++
	r.mu.Unlock()

	if !wait || delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt returns the number of attempts started so far.
func (r *Retry) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Reset drops the backoff back to the base delay. Call it once the
// system has proven healthy so a later failure starts from the minimum
// delay. The attempt counter is not reset.
func (r *Retry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = 0
}

// nextDelayLocked computes the full-jitter delay for the current step
// and advances the step. Caller must hold r.mu.
func (r *Retry) nextDelayLocked() time.Duration {
	step := r.step
	if step > 62 {
		step = 62
	}

	delay := r.maxDelay
	if multiplier := int64(1) << step; int64(r.baseDelay) <= math.MaxInt64/multiplier {
		delay = min(r.baseDelay*time.Duration(multiplier), r.maxDelay)
	}
	r.step++

	if r.disableJitter {
		return delay
	}
	return time.Duration(float64(delay) * r.rng.Float64())
}
