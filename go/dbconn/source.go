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

// Package dbconn dials and wraps PostgreSQL connections for the pooling
// layer. A Source validates its DSN once at construction and hands out
// long-held connections on demand; it never keeps idle connections of
// its own, that is the pool's job.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Source produces connections for a single database endpoint.
type Source struct {
	id             string
	db             *sql.DB
	connectTimeout time.Duration
}

// NewSource builds a Source for the given endpoint. The DSN is parsed
// eagerly so a malformed value fails here, at startup, rather than on
// the first checkout. Both keyword/value and URL DSN forms are
// accepted, and a DSN without a password is completed from the
// PostgreSQL password file when a matching entry exists.
func NewSource(id, dsn string, connectTimeout time.Duration) (*Source, error) {
	connector, err := pq.NewConnector(withPgpassPassword(dsn))
	if err != nil {
		return nil, fmt.Errorf("pool %s: invalid dsn: %w", id, err)
	}
	db := sql.OpenDB(connector)
	// The pool above us owns sizing and lifetime. Zero out database/sql's
	// idle keeping so every Conn.Close releases the session for real.
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(0)
	db.SetConnMaxLifetime(0)
	return &Source{id: id, db: db, connectTimeout: connectTimeout}, nil
}

// NewSourceForDB wraps an existing database handle. The caller keeps
// responsibility for the handle's driver configuration. Used by tests
// and by embedders that construct their own *sql.DB.
func NewSourceForDB(id string, db *sql.DB) *Source {
	return &Source{id: id, db: db}
}

// ID returns the pool id this source dials for.
func (s *Source) ID() string {
	return s.id
}

// Connect checks out a fresh connection, bounded by the source's connect
// timeout when one is configured.
func (s *Source) Connect(ctx context.Context) (*Conn, error) {
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool %s: connect: %w", s.id, err)
	}
	return newConn(conn, s.id), nil
}

// Ping verifies the endpoint answers. Health probing uses this rather
// than Connect so a probe never competes with checkouts for a wrapped
// connection.
func (s *Source) Ping(ctx context.Context) error {
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}
	return s.db.PingContext(ctx)
}

// Close releases the underlying handle. Connections already checked out
// remain usable until their own Close.
func (s *Source) Close() error {
	return s.db.Close()
}
