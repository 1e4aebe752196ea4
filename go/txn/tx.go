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

package txn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pgdal/go/dberr"
	"github.com/multigres/pgdal/go/executor"
	"github.com/multigres/pgdal/go/pools/registry"
)

var (
	// ErrAlreadyActive is returned when a BEGIN arrives on a handle
	// whose transaction is already in progress. Nesting is not
	// supported.
	ErrAlreadyActive = errors.New("transaction already in progress")

	// ErrTxClosed is returned by any operation on a transaction that
	// reached a terminal state.
	ErrTxClosed = errors.New("transaction is closed")

	errControlStatement = errors.New("transaction control must go through Commit and Rollback")
)

// State is a transaction's position in its lifecycle. Terminal states
// absorb no further operations.
type State int

const (
	// StateActive accepts statements.
	StateActive State = iota

	// StateCommitted is terminal: the work is durable.
	StateCommitted

	// StateRolledBack is terminal: the work is undone.
	StateRolledBack
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// ReleaseReason indicates why a transaction gave its connection back.
type ReleaseReason int

const (
	// ReleaseCommit indicates the transaction was committed.
	ReleaseCommit ReleaseReason = iota

	// ReleaseRollback indicates the caller rolled the transaction back.
	ReleaseRollback

	// ReleaseExpired indicates the idle sweep rolled back an abandoned
	// transaction.
	ReleaseExpired

	// ReleaseShutdown indicates the coordinator closed while the
	// transaction was still open.
	ReleaseShutdown
)

// String returns a string representation of the release reason.
func (r ReleaseReason) String() string {
	switch r {
	case ReleaseCommit:
		return "commit"
	case ReleaseRollback:
		return "rollback"
	case ReleaseExpired:
		return "expired"
	case ReleaseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Tx is one open transaction. It owns its pinned connection
// exclusively; methods serialize through an internal mutex, so a Tx
// may be shared across goroutines but statements never interleave on
// the wire.
type Tx struct {
	id    int64
	coord *Coordinator
	lease *registry.Lease

	idleTimeout time.Duration
	startedAt   time.Time

	// expiresAt is a unix-nano deadline refreshed on every statement.
	// The sweep reads it without taking mu.
	expiresAt atomic.Int64

	// released guards the lease handoff. Exactly one terminal
	// transition wins.
	released atomic.Bool

	// mu protects state and serializes statements on the pinned
	// connection.
	mu    sync.Mutex
	state State
}

// ID returns the transaction's unique identifier.
func (t *Tx) ID() int64 {
	return t.id
}

// State returns the transaction's current lifecycle state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Execute runs one statement on the pinned connection. Transaction
// control is rejected: a second BEGIN reports ErrAlreadyActive, and
// COMMIT or ROLLBACK must use the methods so the coordinator's state
// tracking stays truthful.
func (t *Tx) Execute(ctx context.Context, query string, params ...any) (*executor.Result, error) {
	switch firstKeyword(query) {
	case "BEGIN", "START":
		return nil, dberr.Transaction("execute in transaction", ErrAlreadyActive)
	case "COMMIT", "END", "ROLLBACK", "ABORT", "SAVEPOINT", "RELEASE":
		return nil, dberr.Transaction("execute in transaction", errControlStatement)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return nil, dberr.Transaction("execute in transaction", ErrTxClosed)
	}

	res, err := t.coord.exec.Execute(ctx, t.lease.Conn(), query, params...)
	t.touch()
	return res, err
}

// Commit makes the transaction's work durable and releases the pinned
// connection. On a driver failure the transaction stays open so the
// caller can still roll back.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return dberr.Transaction("commit transaction", ErrTxClosed)
	}

	if _, err := t.coord.exec.Execute(ctx, t.lease.Conn(), "COMMIT"); err != nil {
		t.touch()
		return dberr.Transaction("commit transaction", err)
	}

	t.state = StateCommitted
	t.finishLocked(ReleaseCommit, false)
	return nil
}

// Rollback undoes the transaction's work and releases the pinned
// connection. Rollback is always terminal: if the statement itself
// fails the connection is discarded and the server aborts the
// transaction when it closes. Deferring Rollback after a successful
// Commit is safe; it reports ErrTxClosed.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return dberr.Transaction("rollback transaction", ErrTxClosed)
	}

	_, err := t.coord.exec.Execute(ctx, t.lease.Conn(), "ROLLBACK")
	t.state = StateRolledBack
	t.finishLocked(ReleaseRollback, err != nil)
	if err != nil {
		return dberr.Transaction("rollback transaction", err)
	}
	return nil
}

// expire rolls back a transaction on behalf of the sweep or shutdown.
// Reports whether this call performed the release.
func (t *Tx) expire(ctx context.Context, reason ReleaseReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return false
	}
	// A statement may have finished while we waited for the lock.
	if reason == ReleaseExpired && !t.abandoned() {
		return false
	}

	_, err := t.coord.exec.Execute(ctx, t.lease.Conn(), "ROLLBACK")
	t.state = StateRolledBack
	t.finishLocked(reason, err != nil)
	return true
}

func (t *Tx) finishLocked(reason ReleaseReason, discard bool) {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.coord.release(t, reason, discard)
}

// touch pushes the idle deadline out. Called under mu after every
// statement so a live caller is never expired.
func (t *Tx) touch() {
	if t.idleTimeout > 0 {
		t.expiresAt.Store(time.Now().Add(t.idleTimeout).UnixNano())
	}
}

// abandoned reports whether the idle deadline has passed.
func (t *Tx) abandoned() bool {
	return t.idleTimeout > 0 && time.Now().UnixNano() > t.expiresAt.Load()
}

// firstKeyword extracts the statement's leading keyword, uppercased.
func firstKeyword(query string) string {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ";")
}
