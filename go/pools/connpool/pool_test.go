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

package connpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConnection is a mock implementation of Connection for testing.
type mockConnection struct {
	closed atomic.Bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{}
}

func (m *mockConnection) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockConnection) Close() error {
	m.closed.Store(true)
	return nil
}

func newTestPool(capacity int64) *Pool[*mockConnection] {
	pool := NewPool[*mockConnection](&Config{
		Capacity:     capacity,
		MaxIdleCount: capacity,
	})
	pool.Open(context.Background(), func(ctx context.Context) (*mockConnection, error) {
		return newMockConnection(), nil
	}, nil)
	return pool
}

func TestPoolBasicGetPut(t *testing.T) {
	pool := newTestPool(10)
	defer pool.Close()

	// Get a connection
	ctx := context.Background()
	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn1)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Borrowed)
	assert.Equal(t, int64(0), stats.Idle)

	// Put it back using Recycle
	conn1.Recycle()

	stats = pool.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Borrowed)
	assert.Equal(t, int64(1), stats.Idle)

	// Get again - should reuse the same connection
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conn1, conn2)
}

func TestPoolCapacityWithWait(t *testing.T) {
	pool := newTestPool(2)
	defer pool.Close()

	ctx := context.Background()

	// Get two connections (at capacity)
	conn1, err := pool.Get(ctx)
	require.NoError(t, err)

	conn2, err := pool.Get(ctx)
	require.NoError(t, err)

	// Try to get third with timeout - should timeout since pool is exhausted
	ctxTimeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = pool.Get(ctxTimeout)
	assert.ErrorIs(t, err, ErrTimeout)

	// Put one back
	conn1.Recycle()

	// Now should succeed
	conn3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conn1, conn3)

	conn2.Recycle()
	conn3.Recycle()
}

func TestPoolCancelPassesThrough(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Close()

	conn1, err := pool.Get(context.Background())
	require.NoError(t, err)
	defer conn1.Recycle()

	// An explicit cancellation is not a timeout and must not be
	// reported as one.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPoolClose(t *testing.T) {
	pool := newTestPool(10)

	ctx := context.Background()

	// Get some connections
	conn1, _ := pool.Get(ctx)
	conn2, _ := pool.Get(ctx)

	conn1.Recycle()

	// Close pool
	pool.Close()

	// Further operations should fail
	_, err := pool.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Recycling conn2 should close it since pool is closed
	conn2.Recycle()
	assert.True(t, conn2.Conn.IsClosed())
	assert.Equal(t, int64(0), pool.Active())
}

func TestPoolConcurrentGetPut(t *testing.T) {
	pool := newTestPool(50)
	defer pool.Close()

	ctx := context.Background()
	iterations := 1000
	concurrency := 10

	done := make(chan bool)

	for range concurrency {
		go func() {
			for range iterations {
				conn, err := pool.Get(ctx)
				if err != nil {
					continue
				}
				time.Sleep(time.Microsecond)
				conn.Recycle()
			}
			done <- true
		}()
	}

	for range concurrency {
		<-done
	}

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Borrowed)
	assert.Greater(t, stats.Active, int64(0))
}

func TestPoolWaitForConnection(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Close()

	ctx := context.Background()

	// Exhaust the pool
	conn1, err := pool.Get(ctx)
	require.NoError(t, err)

	// Start a goroutine that will wait for a connection
	done := make(chan *Pooled[*mockConnection])
	go func() {
		conn, err := pool.Get(ctx)
		if err != nil {
			done <- nil
			return
		}
		done <- conn
	}()

	// Give the goroutine time to start waiting
	time.Sleep(50 * time.Millisecond)

	// Return the connection
	conn1.Recycle()

	// The waiting goroutine should get the connection
	select {
	case conn2 := <-done:
		require.NotNil(t, conn2)
		conn2.Recycle()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

func TestPoolMinConnsWarmup(t *testing.T) {
	pool := NewPool[*mockConnection](&Config{
		Capacity: 5,
		MinConns: 2,
	})
	pool.Open(context.Background(), func(ctx context.Context) (*mockConnection, error) {
		return newMockConnection(), nil
	}, nil)
	defer pool.Close()

	assert.Eventually(t, func() bool {
		stats := pool.Stats()
		return stats.Idle == 2 && stats.Active == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolIdleTimeout(t *testing.T) {
	pool := NewPool[*mockConnection](&Config{
		Capacity:    2,
		IdleTimeout: 50 * time.Millisecond,
	})
	pool.Open(context.Background(), func(ctx context.Context) (*mockConnection, error) {
		return newMockConnection(), nil
	}, nil)
	defer pool.Close()

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	conn.Recycle()
	require.Equal(t, int64(1), pool.Active())

	// The sweep retires the connection once it sits idle past the timeout.
	assert.Eventually(t, func() bool {
		return pool.Active() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), pool.Metrics.IdleClosed())
}

func TestPoolMaxLifetime(t *testing.T) {
	pool := NewPool[*mockConnection](&Config{
		Capacity:    2,
		MaxLifetime: 30 * time.Millisecond,
	})
	pool.Open(context.Background(), func(ctx context.Context) (*mockConnection, error) {
		return newMockConnection(), nil
	}, nil)
	defer pool.Close()

	conn1, err := pool.Get(context.Background())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	conn1.Recycle()

	// The connection outlived its cap while borrowed, so the put
	// retires it instead of returning it to the stack.
	assert.Equal(t, int64(0), pool.Stats().Idle)
	assert.Equal(t, int64(1), pool.Metrics.MaxLifetimeClosed())
	assert.True(t, conn1.Conn.IsClosed())
}

func TestPoolDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	var failing atomic.Bool
	failing.Store(true)

	pool := NewPool[*mockConnection](&Config{Capacity: 2})
	pool.Open(context.Background(), func(ctx context.Context) (*mockConnection, error) {
		if failing.Load() {
			return nil, dialErr
		}
		return newMockConnection(), nil
	}, nil)
	defer pool.Close()

	_, err := pool.Get(context.Background())
	require.ErrorIs(t, err, dialErr)

	// The failed dial must release its capacity slot.
	assert.Equal(t, int64(0), pool.Active())
	assert.Equal(t, int64(1), pool.Metrics.DialErrors())

	failing.Store(false)
	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	conn.Recycle()
}

func TestPoolMetrics(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Close()

	ctx := context.Background()

	conn1, _ := pool.Get(ctx)

	assert.Equal(t, int64(1), pool.Metrics.GetCount())
	assert.Equal(t, int64(0), pool.Metrics.WaitCount())

	// A second get at capacity counts as a wait.
	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := pool.Get(ctxTimeout)
	require.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, int64(2), pool.Metrics.GetCount())
	assert.Equal(t, int64(1), pool.Metrics.WaitCount())
	assert.Greater(t, pool.Metrics.WaitTime(), time.Duration(0))

	conn1.Recycle()
}

func TestPoolTaint(t *testing.T) {
	pool := newTestPool(10)
	defer pool.Close()

	ctx := context.Background()

	conn, err := pool.Get(ctx)
	require.NoError(t, err)

	// Taint removes the connection from the pool immediately.
	conn.Taint()
	assert.Equal(t, int64(0), pool.Active())
	conn.Recycle()

	// The pool keeps working with fresh connections.
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.Active())
	conn2.Recycle()
}
