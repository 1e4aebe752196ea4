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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/pgdal/go/dbconn"
	"github.com/multigres/pgdal/go/dberr"
	"github.com/multigres/pgdal/go/executor"
	"github.com/multigres/pgdal/go/pools/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, sqlmock.Sqlmock, *registry.Registry) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := registry.New([]registry.PoolConfig{{
		Name:           "main",
		Role:           registry.RolePrimary,
		MaxConnections: 2,
		Source:         dbconn.NewSourceForDB("main", db),
	}}, nil)
	require.NoError(t, err)

	c := NewCoordinator(r, executor.New(nil, nil, 0), cfg, nil)
	t.Cleanup(func() {
		c.Close()
		r.Close()
	})
	return c, mock, r
}

func TestBeginCommit(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO audit (action) VALUES ($1)").
		WithArgs("login").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.ID())
	assert.Equal(t, StateActive, tx.State())
	assert.Equal(t, int64(1), r.Stats()["main"].Borrowed)

	res, err := tx.Execute(context.Background(), "INSERT INTO audit (action) VALUES ($1)", "login")
	require.NoError(t, err)
	assert.Equal(t, "INSERT 0 1", res.Command)

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, StateCommitted, tx.State())

	stats := c.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(1), stats.Begun)
	assert.Equal(t, int64(1), stats.Committed)

	// The pinned connection went back to the pool intact.
	pool := r.Stats()["main"]
	assert.Equal(t, int64(0), pool.Borrowed)
	assert.Equal(t, int64(1), pool.Idle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE accounts SET balance = 0").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.Execute(context.Background(), "UPDATE accounts SET balance = 0")
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, int64(1), c.Stats().RolledBack)
	assert.Equal(t, int64(1), r.Stats()["main"].Idle)

	err = tx.Rollback(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitAfterRollback(t *testing.T) {
	c, mock, _ := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(context.Background()))

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxClosed)
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))

	// The rollback won; the commit changed nothing.
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, int64(0), c.Stats().Committed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteAfterTerminal(t *testing.T) {
	c, mock, _ := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	_, err = tx.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxClosed)
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
}

func TestNestedBeginRejected(t *testing.T) {
	c, mock, _ := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.Execute(context.Background(), "BEGIN")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))

	_, err = tx.Execute(context.Background(), "START TRANSACTION")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = tx.Execute(context.Background(), "commit;")
	require.Error(t, err)
	assert.ErrorContains(t, err, "transaction control")

	// The handle is untouched by the rejected statements.
	assert.Equal(t, StateActive, tx.State())
	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryInsideTransaction(t *testing.T) {
	c, mock, _ := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name FROM users WHERE id = $1").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(7, "ana"))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	res, err := tx.Execute(context.Background(), "SELECT id, name FROM users WHERE id = $1", 7)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", res.Command)
	assert.Equal(t, [][]any{{"7", "ana"}}, res.Rows)

	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdleExpiry(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{IdleTimeout: 60 * time.Millisecond})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	// The sweep rolls the abandoned transaction back and returns the
	// connection to the pool.
	require.Eventually(t, func() bool {
		return r.Stats()["main"].Idle == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, int64(1), c.Stats().Expired)
	assert.Equal(t, 0, c.Stats().Active)

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatementsKeepTransactionAlive(t *testing.T) {
	c, mock, _ := newTestCoordinator(t, Config{IdleTimeout: 500 * time.Millisecond})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	for range 3 {
		mock.ExpectExec("UPDATE counters SET n = n + 1").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	// Total elapsed time exceeds the idle timeout, but no single gap
	// does, so the sweep must leave the transaction alone.
	for range 3 {
		time.Sleep(200 * time.Millisecond)
		_, err := tx.Execute(context.Background(), "UPDATE counters SET n = n + 1")
		require.NoError(t, err)
	}

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, int64(0), c.Stats().Expired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseRollsBackOpenTransactions(t *testing.T) {
	c, mock, _ := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	c.Close()
	assert.Equal(t, StateRolledBack, tx.State())

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxClosed)

	// Shutdown releases are not counted as rollbacks or expiries.
	stats := c.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(0), stats.RolledBack)
	assert.Equal(t, int64(0), stats.Expired)

	_, err = c.Begin(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "closed")
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginWhenPoolExhausted(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := registry.New([]registry.PoolConfig{{
		Name:           "main",
		Role:           registry.RolePrimary,
		MaxConnections: 1,
		AcquireTimeout: 50 * time.Millisecond,
		Source:         dbconn.NewSourceForDB("main", db),
	}}, nil)
	require.NoError(t, err)

	c := NewCoordinator(r, executor.New(nil, nil, 0), Config{}, nil)
	t.Cleanup(func() {
		c.Close()
		r.Close()
	})

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	tx1, err := c.Begin(context.Background())
	require.NoError(t, err)

	_, err = c.Begin(context.Background())
	require.Error(t, err)
	assert.Equal(t, dberr.CodeTimeout, dberr.CodeOf(err))

	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, tx1.Rollback(context.Background()))
	assert.Equal(t, int64(1), c.Stats().Begun)
}

func TestBeginStatementFailure(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnError(errors.New("out of memory"))

	tx, err := c.Begin(context.Background())
	require.Error(t, err)
	assert.Nil(t, tx)
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
	assert.ErrorContains(t, err, "begin transaction")

	// The lease was discarded, not returned for reuse.
	assert.Equal(t, int64(0), r.Stats()["main"].Active)
	assert.Equal(t, int64(0), c.Stats().Begun)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureLeavesTransactionOpen(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
	assert.Equal(t, StateActive, tx.State())

	// The caller can still resolve the transaction.
	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, StateRolledBack, tx.State())
	assert.Equal(t, int64(1), r.Stats()["main"].Idle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackFailureDiscardsConnection(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK").WillReturnError(errors.New("server closed the connection unexpectedly"))

	tx, err := c.Begin(context.Background())
	require.NoError(t, err)

	err = tx.Rollback(context.Background())
	require.Error(t, err)
	assert.Equal(t, dberr.CodeTransaction, dberr.CodeOf(err))
	assert.Equal(t, StateRolledBack, tx.State())

	// The connection may be poisoned, so it was closed instead of
	// going back to the pool.
	stats := r.Stats()["main"]
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Idle)

	err = tx.Rollback(context.Background())
	assert.ErrorIs(t, err, ErrTxClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoOpenTransactions(t *testing.T) {
	c, mock, r := newTestCoordinator(t, Config{})
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	tx1, err := c.Begin(context.Background())
	require.NoError(t, err)
	tx2, err := c.Begin(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, tx1.ID(), tx2.ID())
	assert.Equal(t, 2, c.Stats().Active)
	assert.Equal(t, int64(2), r.Stats()["main"].Borrowed)

	require.NoError(t, tx1.Commit(context.Background()))
	require.NoError(t, tx2.Commit(context.Background()))

	stats := c.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(2), stats.Committed)
	require.NoError(t, mock.ExpectationsWereMet())
}
