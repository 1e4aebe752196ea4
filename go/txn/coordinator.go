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

// Package txn pins one connection per transaction and tracks its
// lifecycle. Begin leases a connection from the primary pool and the
// transaction owns it exclusively until exactly one of commit,
// rollback, idle expiry, or shutdown releases it. A background sweep
// rolls back abandoned transactions so a caller that disappears
// mid-transaction cannot hold a connection forever.
package txn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pgdal/go/dberr"
	"github.com/multigres/pgdal/go/executor"
	"github.com/multigres/pgdal/go/pools/registry"
)

const defaultIdleTimeout = 30 * time.Second

var errClosed = errors.New("transaction coordinator is closed")

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// IdleTimeout is how long a transaction may sit between statements
	// before the sweep rolls it back. A non-positive value selects the
	// default.
	IdleTimeout time.Duration
}

// Coordinator tracks every open transaction by ID and runs the idle
// sweep. Transactions always pin the primary: replicas cannot take
// writes, so routing strategy never applies here.
type Coordinator struct {
	logger      *slog.Logger
	registry    *registry.Registry
	exec        *executor.Executor
	idleTimeout time.Duration

	// mu protects active and closed.
	mu     sync.Mutex
	active map[int64]*Tx
	closed bool

	// lastID generates unique transaction IDs.
	lastID atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	beginCount    atomic.Int64
	commitCount   atomic.Int64
	rollbackCount atomic.Int64
	expireCount   atomic.Int64
}

// NewCoordinator builds a coordinator over the registry's primary pool
// and starts the idle sweep. The sweep ticks at a tenth of the idle
// timeout so expiry lag stays small relative to the deadline.
func NewCoordinator(reg *registry.Registry, exec *executor.Executor, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:      logger,
		registry:    reg,
		exec:        exec,
		idleTimeout: cfg.IdleTimeout,
		active:      make(map[int64]*Tx),
		ctx:         ctx,
		cancel:      cancel,
	}

	c.wg.Add(1)
	go c.sweepLoop(cfg.IdleTimeout / 10)
	return c
}

// Begin opens a transaction on a connection leased from the primary
// pool. The returned Tx owns the connection until it reaches a
// terminal state.
func (c *Coordinator) Begin(ctx context.Context) (*Tx, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, dberr.Transaction("begin transaction", errClosed)
	}
	c.mu.Unlock()

	lease, err := c.registry.Acquire(ctx, c.registry.Primary().Name())
	if err != nil {
		return nil, err
	}

	if _, err := c.exec.Execute(ctx, lease.Conn(), "BEGIN"); err != nil {
		lease.Discard()
		return nil, dberr.Transaction("begin transaction", err)
	}

	tx := &Tx{
		id:          c.lastID.Add(1),
		coord:       c,
		lease:       lease,
		state:       StateActive,
		idleTimeout: c.idleTimeout,
		startedAt:   time.Now(),
	}
	tx.touch()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Shutdown raced us. Discarding the connection makes the
		// server abort the transaction we just opened.
		lease.Discard()
		return nil, dberr.Transaction("begin transaction", errClosed)
	}
	c.active[tx.id] = tx
	c.mu.Unlock()

	c.beginCount.Add(1)
	c.logger.DebugContext(ctx, "transaction started",
		"tx_id", tx.id,
		"pool", lease.Pool())
	return tx, nil
}

// release is called exactly once per transaction, from the winning
// terminal transition.
func (c *Coordinator) release(t *Tx, reason ReleaseReason, discard bool) {
	c.mu.Lock()
	delete(c.active, t.id)
	c.mu.Unlock()

	switch reason {
	case ReleaseCommit:
		c.commitCount.Add(1)
	case ReleaseRollback:
		c.rollbackCount.Add(1)
	case ReleaseExpired:
		c.expireCount.Add(1)
	}

	if discard {
		t.lease.Discard()
	} else {
		t.lease.Release()
	}

	c.logger.Debug("transaction released",
		"tx_id", t.id,
		"reason", reason.String(),
		"duration", time.Since(t.startedAt))
}

func (c *Coordinator) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.ExpireAbandoned(c.ctx)
		}
	}
}

// ExpireAbandoned rolls back every transaction idle past its deadline
// and returns how many it released. The sweep goroutine calls this
// periodically; it is exported so embedders can force a pass.
func (c *Coordinator) ExpireAbandoned(ctx context.Context) int {
	var stale []*Tx
	c.mu.Lock()
	for _, tx := range c.active {
		if tx.abandoned() {
			stale = append(stale, tx)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, tx := range stale {
		if tx.expire(ctx, ReleaseExpired) {
			n++
			c.logger.WarnContext(ctx, "rolled back abandoned transaction",
				"tx_id", tx.id,
				"idle_timeout", c.idleTimeout)
		}
	}
	return n
}

// Close stops the sweep and rolls back every open transaction.
// Transaction handles already given out stay usable for their own
// terminal calls, which become no-ops reporting ErrTxClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	open := make([]*Tx, 0, len(c.active))
	for _, tx := range c.active {
		open = append(open, tx)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	rolled := 0
	for _, tx := range open {
		if tx.expire(context.Background(), ReleaseShutdown) {
			rolled++
		}
	}
	if rolled > 0 {
		c.logger.Info("rolled back open transactions at shutdown", "count", rolled)
	}
	c.logger.Info("transaction coordinator closed")
}

// Stats is a point-in-time view of transaction activity.
type Stats struct {
	// Active is the number of transactions currently open.
	Active int

	// Begun is the total number of transactions started.
	Begun int64

	// Committed is the total number of commits.
	Committed int64

	// RolledBack is the total number of caller-requested rollbacks.
	RolledBack int64

	// Expired is the total number of abandoned transactions the sweep
	// rolled back.
	Expired int64
}

// Stats returns current transaction counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	active := len(c.active)
	c.mu.Unlock()

	return Stats{
		Active:     active,
		Begun:      c.beginCount.Load(),
		Committed:  c.commitCount.Load(),
		RolledBack: c.rollbackCount.Load(),
		Expired:    c.expireCount.Load(),
	}
}
