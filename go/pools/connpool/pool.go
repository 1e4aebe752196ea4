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

// Package connpool provides a generic connection pool with waiter
// queueing, idle expiry, lifetime caps and background refill.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pgdal/go/tools/retry"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("timeout waiting for connection")
)

const (
	// waiterSweepInterval bounds how long a waiter with an expired
	// context stays blocked past its deadline.
	waiterSweepInterval = 100 * time.Millisecond

	// maintainMaxBackoff caps the refill backoff while the database
	// keeps refusing connections.
	maintainMaxBackoff = 30 * time.Second
)

// Config holds configuration for the connection pool.
type Config struct {
	// Capacity is the maximum number of open connections.
	// If 0, defaults to 100.
	Capacity int64

	// MinConns is the floor of open connections the refill worker
	// keeps warm. Clamped to Capacity.
	MinConns int64

	// MaxIdleCount is the maximum number of idle connections to keep.
	// If 0, defaults to Capacity.
	MaxIdleCount int64

	// IdleTimeout is how long a connection can sit idle before being
	// retired. If 0, connections are never retired for idleness.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never retired for age.
	MaxLifetime time.Duration
}

// Pool hands out connections from an idle stack, grows on demand up to
// capacity, and queues callers when saturated. Background workers keep
// the minimum size warm, retire stale connections and fail waiters
// whose context has ended.
type Pool[C Connection] struct {
	idle connStack[C]
	wait waitlist[C]

	factory Factory[C]
	logger  *slog.Logger

	capacity    int64
	minConns    int64
	maxIdle     int64
	idleTimeout time.Duration
	maxLifetime time.Duration

	// active counts open connections plus reserved dial slots.
	// It never exceeds capacity.
	active atomic.Int64

	// borrowed counts connections currently checked out by callers.
	borrowed atomic.Int64

	// Metrics counts pool activity since Open.
	Metrics PoolMetrics

	closeCtx context.Context
	closeFn  context.CancelFunc
	workers  sync.WaitGroup
	closed   atomic.Bool
}

// NewPool creates a pool with the given configuration. The pool does
// not dial anything until Open.
func NewPool[C Connection](cfg *Config) *Pool[C] {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 100
	}
	maxIdle := cfg.MaxIdleCount
	if maxIdle <= 0 || maxIdle > capacity {
		maxIdle = capacity
	}
	minConns := min(max(cfg.MinConns, 0), capacity)

	p := &Pool[C]{
		capacity:    capacity,
		minConns:    minConns,
		maxIdle:     maxIdle,
		idleTimeout: cfg.IdleTimeout,
		maxLifetime: cfg.MaxLifetime,
	}
	p.wait.init()
	return p
}

// Open starts the pool with the given connection factory. The minimum
// connection floor is warmed in the background so startup never blocks
// on a slow or down database.
func (p *Pool[C]) Open(ctx context.Context, factory Factory[C], logger *slog.Logger) *Pool[C] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p.factory = factory
	p.logger = logger
	p.closeCtx, p.closeFn = context.WithCancel(context.Background())

	p.workers.Add(3)
	go p.warm(ctx)
	go p.maintain()
	go p.expireWaiters()
	return p
}

// Get returns a connection from the pool. It prefers an idle
// connection, dials a new one when under capacity, and otherwise queues
// until a connection is returned. A context deadline maps to
// ErrTimeout; an explicit cancellation is passed through.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	p.Metrics.getCount.Add(1)

	if conn := p.popIdle(); conn != nil {
		return p.borrowConn(conn), nil
	}

	// Reserve the capacity slot before dialing so concurrent getters
	// can never open more than capacity connections between them.
	if open := p.active.Add(1); open <= p.capacity {
		conn, err := p.connNew(ctx)
		if err != nil {
			p.active.Add(-1)
			return nil, err
		}
		return p.borrowConn(conn), nil
	}
	p.active.Add(-1)

	p.Metrics.waitCount.Add(1)
	start := monotonicNow()
	w, err := p.wait.register(ctx)
	if err != nil {
		return nil, err
	}
	// A connection may have been returned between our stack check and
	// our registration; take it back out or we could block with an
	// idle connection available.
	if conn := p.popIdle(); conn != nil {
		if p.wait.retract(w) {
			return p.borrowConn(conn), nil
		}
		// Already claimed: a handover is in flight. Pass this one on
		// and take the handover instead.
		p.returnIdle(conn)
	}
	conn, err := p.wait.await(w)
	p.Metrics.waitTime.Add(int64(monotonicNow() - start))
	switch {
	case conn != nil:
		return p.borrowConn(conn), nil
	case err == nil:
		return nil, ErrPoolClosed
	case errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	default:
		return nil, err
	}
}

func (p *Pool[C]) borrowConn(conn *Pooled[C]) *Pooled[C] {
	conn.timeUsed.update()
	p.borrowed.Add(1)
	return conn
}

// popIdle pops until it finds a usable connection, retiring any that
// went stale on the stack.
func (p *Pool[C]) popIdle() *Pooled[C] {
	for {
		conn, ok := p.idle.Pop()
		if !ok {
			return nil
		}
		if conn.Conn.IsClosed() {
			p.closeConn(conn)
			continue
		}
		if p.maxLifetime > 0 && conn.Age() > p.maxLifetime {
			p.Metrics.maxLifetimeClosed.Add(1)
			p.closeConn(conn)
			continue
		}
		if p.idleTimeout > 0 && conn.IdleTime() > p.idleTimeout {
			p.Metrics.idleClosed.Add(1)
			p.closeConn(conn)
			continue
		}
		return conn
	}
}

// connNew dials a connection for an already-reserved capacity slot.
func (p *Pool[C]) connNew(ctx context.Context) (*Pooled[C], error) {
	c, err := p.factory(ctx)
	if err != nil {
		p.Metrics.dialErrors.Add(1)
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	p.Metrics.dialCount.Add(1)
	conn := &Pooled[C]{pool: p, Conn: c}
	conn.timeCreated.update()
	conn.timeUsed.update()
	return conn, nil
}

// put takes back a borrowed connection. A nil conn means the borrower's
// connection died; the capacity slot is released and the refill worker
// opens a replacement if there is demand for one.
func (p *Pool[C]) put(conn *Pooled[C]) {
	p.borrowed.Add(-1)
	if conn == nil {
		p.active.Add(-1)
		return
	}
	if p.closed.Load() {
		p.closeConn(conn)
		return
	}
	if conn.Conn.IsClosed() {
		p.closeConn(conn)
		return
	}
	if p.maxLifetime > 0 && conn.Age() > p.maxLifetime {
		p.Metrics.maxLifetimeClosed.Add(1)
		p.closeConn(conn)
		return
	}
	conn.timeUsed.update()
	// maxIdle is at least 1, so a getter racing this trim still finds
	// a connection on the stack.
	if int64(p.idle.Len()) >= p.maxIdle && p.wait.waiting() == 0 {
		p.Metrics.idleClosed.Add(1)
		p.closeConn(conn)
		return
	}
	p.returnIdle(conn)
	if p.closed.Load() {
		// Lost a race with Close; make sure nothing is left behind.
		p.drainIdle()
	}
}

// returnIdle makes a connection available again, preferring a waiter
// over the idle stack. The loop upholds the invariant that a connection
// never rests on the stack while a waiter is registered: a getter that
// registers between the waitlist check and the push re-pops the stack
// itself, and this side re-checks the waitlist after every push.
func (p *Pool[C]) returnIdle(conn *Pooled[C]) {
	for {
		if p.wait.tryReturnConn(conn) {
			return
		}
		p.idle.Push(conn)
		if p.wait.waiting() == 0 {
			return
		}
		var ok bool
		conn, ok = p.idle.Pop()
		if !ok {
			// Another getter took it; demand is being served.
			return
		}
	}
}

// closeConn closes a connection and releases its capacity slot.
func (p *Pool[C]) closeConn(conn *Pooled[C]) {
	if !conn.Conn.IsClosed() {
		conn.Conn.Close()
	}
	p.active.Add(-1)
}

func (p *Pool[C]) drainIdle() {
	for {
		conn, ok := p.idle.Pop()
		if !ok {
			return
		}
		p.closeConn(conn)
	}
}

func (p *Pool[C]) warm(ctx context.Context) {
	defer p.workers.Done()
	if err := p.refill(ctx); err != nil && p.closeCtx.Err() == nil {
		p.logger.Warn("connection pool warmup incomplete", "error", err)
	}
}

// refillTarget is the number of open connections the refill worker aims
// for: the configured floor, raised to cover registered waiters when
// connections died while the pool was saturated.
func (p *Pool[C]) refillTarget() int64 {
	target := p.minConns
	if waiting := int64(p.wait.waiting()); waiting > 0 {
		target = max(target, p.active.Load()+waiting)
	}
	return min(target, p.capacity)
}

func (p *Pool[C]) refill(ctx context.Context) error {
	for p.active.Load() < p.refillTarget() {
		if p.closed.Load() {
			return nil
		}
		if open := p.active.Add(1); open > p.capacity {
			p.active.Add(-1)
			return nil
		}
		conn, err := p.connNew(ctx)
		if err != nil {
			p.active.Add(-1)
			return err
		}
		p.returnIdle(conn)
	}
	return nil
}

// maintain sweeps stale idle connections and keeps the pool at its
// minimum size, backing off exponentially while the database refuses
// connections.
func (p *Pool[C]) maintain() {
	defer p.workers.Done()
	backoff := retry.New(p.refreshInterval(), maintainMaxBackoff,
		retry.WithInitialDelay())
	for {
		if err := backoff.StartAttempt(p.closeCtx); err != nil {
			return
		}
		p.sweepIdle()
		if err := p.refill(p.closeCtx); err != nil {
			if p.closeCtx.Err() == nil {
				p.logger.Warn("connection pool refill failed", "error", err)
			}
			continue
		}
		backoff.Reset()
	}
}

// refreshInterval is the cadence of the idle sweep and refill worker.
func (p *Pool[C]) refreshInterval() time.Duration {
	interval := time.Second
	if p.idleTimeout > 0 {
		interval = p.idleTimeout / 10
	}
	return min(max(interval, 100*time.Millisecond), 5*time.Second)
}

// sweepIdle retires connections that went stale sitting on the stack.
func (p *Pool[C]) sweepIdle() {
	now := monotonicNow()
	stale := p.idle.Evict(func(conn *Pooled[C]) bool {
		if conn.Conn.IsClosed() {
			return true
		}
		if p.maxLifetime > 0 && now-conn.timeCreated.get() > p.maxLifetime {
			return true
		}
		if p.idleTimeout > 0 && now-conn.timeUsed.get() > p.idleTimeout {
			return true
		}
		return false
	})
	for _, conn := range stale {
		if p.maxLifetime > 0 && now-conn.timeCreated.get() > p.maxLifetime {
			p.Metrics.maxLifetimeClosed.Add(1)
		} else {
			p.Metrics.idleClosed.Add(1)
		}
		p.closeConn(conn)
	}
}

// expireWaiters periodically fails waiters whose context has ended.
// Waiters never watch their own context, so this sweep bounds how far
// a Get can overshoot its deadline.
func (p *Pool[C]) expireWaiters() {
	defer p.workers.Done()
	tick := time.NewTicker(waiterSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-p.closeCtx.Done():
			return
		case <-tick.C:
			p.wait.expire(false)
		}
	}
}

// Close shuts the pool down. Waiters are failed with ErrPoolClosed,
// idle connections are closed, and borrowed connections are closed as
// they come back.
func (p *Pool[C]) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.wait.expire(true)
	p.workers.Wait()
	p.drainIdle()
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Active   int64 // open connections, borrowed plus idle
	Borrowed int64 // connections checked out by callers
	Idle     int64 // connections ready on the stack
	Waiting  int64 // goroutines queued for a connection
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	return PoolStats{
		Active:   p.active.Load(),
		Borrowed: p.borrowed.Load(),
		Idle:     int64(p.idle.Len()),
		Waiting:  int64(p.wait.waiting()),
	}
}

// Active returns the number of open connections.
func (p *Pool[C]) Active() int64 {
	return p.active.Load()
}

// Borrowed returns the number of connections currently checked out.
func (p *Pool[C]) Borrowed() int64 {
	return p.borrowed.Load()
}

// Capacity returns the maximum number of open connections.
func (p *Pool[C]) Capacity() int64 {
	return p.capacity
}

// IsClosed reports whether Close has been called.
func (p *Pool[C]) IsClosed() bool {
	return p.closed.Load()
}
