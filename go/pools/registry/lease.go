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

package registry

import (
	"sync/atomic"

	"github.com/multigres/pgdal/go/dbconn"
	"github.com/multigres/pgdal/go/pools/connpool"
)

// Lease is one checked-out connection. Exactly one of Release or
// Discard takes effect; every later call is a no-op, so callers can
// defer Release and still Discard on a broken connection without
// double-counting.
type Lease struct {
	conn     *connpool.Pooled[*dbconn.Conn]
	pool     *Pool
	released atomic.Bool
}

// Conn returns the underlying connection for query execution.
func (l *Lease) Conn() *dbconn.Conn {
	return l.conn.Conn
}

// Pool returns the name of the pool this lease came from.
func (l *Lease) Pool() string {
	return l.pool.name
}

// Role returns the replication role of the pool this lease came from.
func (l *Lease) Role() Role {
	return l.pool.role
}

// Release returns the connection to its pool for reuse.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.conn.Recycle()
}

// Discard closes the connection instead of returning it. Use it when a
// failure may have poisoned the session; the pool backfills on demand.
func (l *Lease) Discard() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.conn.Taint()
	l.conn.Recycle()
}
