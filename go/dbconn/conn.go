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

package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

// Conn wraps a *sql.Conn checked out from a Source. The wrapper owns the
// checkout for its whole lifetime: the connection is held continuously
// until Close, so database/sql's own idle management never interferes
// with pool bookkeeping.
type Conn struct {
	// conn is the underlying database connection.
	conn *sql.Conn

	// pool is the id of the owning pool, for error attribution.
	pool string

	// closed tracks whether this connection has been closed.
	closed atomic.Bool
}

func newConn(conn *sql.Conn, pool string) *Conn {
	return &Conn{conn: conn, pool: pool}
}

// Pool returns the id of the pool this connection belongs to.
func (c *Conn) Pool() string {
	return c.pool
}

// IsClosed returns true if this connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the underlying database connection and marks it closed.
// Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	return c.conn.Close()
}

// Exec executes a statement without returning rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("cannot execute on closed connection")
	}
	return c.conn.ExecContext(ctx, query, args...)
}

// Query executes a statement that returns rows. The caller owns the
// returned rows and must close them.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("cannot query on closed connection")
	}
	return c.conn.QueryContext(ctx, query, args...)
}
