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

// Package event provides ordered sets of lifecycle callbacks for
// long-running servers. Hook sets accumulate functions during startup
// and fire them together at well-defined points of the process
// lifecycle (init, run, termination, close).
package event

import (
	"errors"
	"sync"
)

// Hooks collects plain callbacks that fire together.
type Hooks struct {
	mu    sync.Mutex
	funcs []func()
}

// Add registers f to run on the next Fire.
func (h *Hooks) Add(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
}

// Fire calls every registered function in parallel and waits for all
// of them to return. Concurrent calls to Fire are serialized.
func (h *Hooks) Fire() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range h.funcs {
		wg.Go(f)
	}
	wg.Wait()
}

// ErrorHooks collects error-returning callbacks that fire together.
type ErrorHooks struct {
	mu    sync.Mutex
	funcs []func() error
}

// Add registers f to run on the next Fire.
func (h *ErrorHooks) Add(f func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
}

// Fire calls every registered function in parallel and waits for all
// of them to return. The result joins every non-nil hook error, so a
// single failing hook never masks another. Concurrent calls to Fire
// are serialized.
func (h *ErrorHooks) Fire() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	errs := make([]error, len(h.funcs))
	var wg sync.WaitGroup
	for i, f := range h.funcs {
		wg.Go(func() {
			errs[i] = f()
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
