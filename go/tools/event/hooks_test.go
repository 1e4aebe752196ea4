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

package event

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHooksFire(t *testing.T) {
	triggered1 := false
	triggered2 := false

	var hooks Hooks
	hooks.Add(func() { triggered1 = true })
	hooks.Add(func() { triggered2 = true })

	hooks.Fire()

	require.True(t, triggered1, "first hook should have run")
	require.True(t, triggered2, "second hook should have run")
}

func TestHooksFireEmpty(t *testing.T) {
	var hooks Hooks
	hooks.Fire()
}

func TestErrorHooks_AllSuccess(t *testing.T) {
	var count atomic.Int32
	var hooks ErrorHooks

	hooks.Add(func() error { count.Add(1); return nil })
	hooks.Add(func() error { count.Add(1); return nil })
	hooks.Add(func() error { count.Add(1); return nil })

	err := hooks.Fire()
	require.NoError(t, err)
	require.Equal(t, int32(3), count.Load(), "all hooks should have run")
}

func TestErrorHooks_JoinsAllFailures(t *testing.T) {
	errFirst := errors.New("first hook failed")
	errSecond := errors.New("second hook failed")
	var hooks ErrorHooks

	hooks.Add(func() error { return errFirst })
	hooks.Add(func() error { return nil })
	hooks.Add(func() error { return errSecond })

	err := hooks.Fire()
	require.Error(t, err)
	require.ErrorIs(t, err, errFirst)
	require.ErrorIs(t, err, errSecond)
}

func TestErrorHooks_Empty(t *testing.T) {
	var hooks ErrorHooks
	err := hooks.Fire()
	require.NoError(t, err)
}

func TestErrorHooks_ParallelExecution(t *testing.T) {
	var started atomic.Int32
	done := make(chan struct{})
	var hooks ErrorHooks

	// Each hook blocks until released, so Fire can only finish if all
	// of them run at the same time.
	for range 3 {
		hooks.Add(func() error {
			started.Add(1)
			<-done
			return nil
		})
	}

	errCh := make(chan error)
	go func() {
		errCh <- hooks.Fire()
	}()

	require.Eventually(t, func() bool {
		return started.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond, "all hooks should start in parallel")

	close(done)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Fire to complete")
	}
}
