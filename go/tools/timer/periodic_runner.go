// Copyright 2019 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer provides PeriodicRunner, a serial interval scheduler
// for background maintenance loops.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner invokes a callback at a fixed interval, one run at a
// time. The next run is armed only after the current one returns, so a
// slow callback stretches the cycle instead of stacking concurrent
// runs. Stop cancels the callback's context and waits for an in-flight
// run to finish; a stopped runner can be started again.
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	wg       sync.WaitGroup
	callback func(ctx context.Context)
}

// NewPeriodicRunner creates a runner that fires every interval once
// started. Each Start derives the callback context from ctx, so
// cancelling ctx reaches the callbacks of every cycle at once.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start schedules the callback. The first run fires one interval from
// now. Start reports whether it started the runner; it returns false
// when the runner is already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}
	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.schedule()
	return true
}

// Stop cancels the callback context, disarms the timer, and waits for
// an in-flight run to return. It is safe to call repeatedly and safe
// to call before Start.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx = nil
	r.cancel = nil
	r.callback = nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Running reports whether the runner is started.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// schedule arms the timer for the next run. Callers hold r.mu.
func (r *PeriodicRunner) schedule() {
	r.timer = time.AfterFunc(r.interval, r.run)
}

// run executes one cycle and re-arms the timer afterwards. The
// wg.Add under the lock pairs with the running check in Stop: either
// Stop sees the runner stopped before the run is counted, or it waits
// for the run to finish.
func (r *PeriodicRunner) run() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	callback, ctx := r.callback, r.ctx
	r.mu.Unlock()

	callback(ctx)

	r.mu.Lock()
	if r.running {
		r.schedule()
	}
	r.mu.Unlock()
	r.wg.Done()
}
