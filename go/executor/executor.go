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

// Package executor runs statements on checked-out connections. It owns
// per-call deadlines, wall-clock timing, result materialization, and
// the mapping of driver failures onto the dberr taxonomy. Every
// execution, successful or not, is reported to the analyzer so timing
// statistics cover failures too.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/multigres/pgdal/go/dbconn"
)

const defaultQueryTimeout = 30 * time.Second

// timestampFormat is the ISO 8601 style PostgreSQL emits by default.
const timestampFormat = "2006-01-02 15:04:05.999999-07"

// Result is the materialized outcome of one statement. Row values are
// normalized to strings (NULL stays nil), so a result survives a JSON
// round trip through the cache unchanged. The typed Get helpers recover
// native Go values.
type Result struct {
	Command      string   `json:"command"`
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rowsAffected"`
}

// Recorder receives one observation per executed statement.
type Recorder interface {
	Record(sql string, duration time.Duration, success bool)
}

// Executor runs statements. It is stateless apart from configuration
// and safe for concurrent use.
type Executor struct {
	logger       *slog.Logger
	recorder     Recorder
	queryTimeout time.Duration
}

// New creates an Executor. recorder may be nil to skip statement
// accounting; a non-positive queryTimeout selects the default.
func New(logger *slog.Logger, recorder Recorder, queryTimeout time.Duration) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Executor{
		logger:       logger,
		recorder:     recorder,
		queryTimeout: queryTimeout,
	}
}

// Execute runs one statement on the given connection, bounded by the
// per-call timeout. The caller keeps ownership of the connection and
// releases it on every path; a classified error tells it whether the
// connection may be poisoned.
func (e *Executor) Execute(ctx context.Context, conn *dbconn.Conn, query string, params ...any) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.run(ctx, conn, query, params)
	elapsed := time.Since(start)
	if e.recorder != nil {
		e.recorder.Record(query, elapsed, err == nil)
	}
	if err != nil {
		cerr := Classify(ctx, "execute query", err)
		e.logger.DebugContext(ctx, "query failed",
			"query", query,
			"duration", elapsed,
			"class", cerr.Class().String(),
			"error", err)
		return nil, cerr
	}
	return res, nil
}

func (e *Executor) run(ctx context.Context, conn *dbconn.Conn, query string, params []any) (*Result, error) {
	if IsRowReturning(query) {
		return e.runQuery(ctx, conn, query, params)
	}
	return e.runExec(ctx, conn, query, params)
}

// IsRowReturning reports whether the statement produces a result set.
// The Manager uses the same predicate to route reads through the
// balancer and pin writes to the primary.
func IsRowReturning(query string) bool {
	q := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(q, "SELECT") ||
		strings.HasPrefix(q, "WITH") ||
		strings.HasPrefix(q, "SHOW") ||
		strings.HasPrefix(q, "EXPLAIN") ||
		strings.HasPrefix(q, "VALUES")
}

func (e *Executor) runQuery(ctx context.Context, conn *dbconn.Conn, query string, params []any) (*Result, error) {
	rows, err := conn.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out [][]any
	scanValues := make([]any, len(columns))
	scanPointers := make([]any, len(columns))
	for i := range scanValues {
		scanPointers[i] = &scanValues[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanPointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]any, len(columns))
		for i, val := range scanValues {
			row[i] = normalizeValue(val)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{
		Command: fmt.Sprintf("SELECT %d", len(out)),
		Columns: columns,
		Rows:    out,
	}, nil
}

func (e *Executor) runExec(ctx context.Context, conn *dbconn.Conn, query string, params []any) (*Result, error) {
	res, err := conn.Exec(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Not every statement reports affected rows.
		affected = 0
	}
	return &Result{
		Command:      commandTag(query, affected),
		RowsAffected: affected,
	}, nil
}

// normalizeValue maps a driver value onto nil or a string. Timestamps
// get PostgreSQL's own output format so the typed getters can parse
// them back.
func normalizeValue(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(timestampFormat)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// commandTag builds a PostgreSQL style command tag for a statement that
// returned no rows.
func commandTag(query string, affected int64) string {
	q := strings.TrimSpace(strings.ToUpper(query))
	switch {
	case strings.HasPrefix(q, "INSERT"):
		return fmt.Sprintf("INSERT 0 %d", affected)
	case strings.HasPrefix(q, "UPDATE"):
		return fmt.Sprintf("UPDATE %d", affected)
	case strings.HasPrefix(q, "DELETE"):
		return fmt.Sprintf("DELETE %d", affected)
	case strings.HasPrefix(q, "BEGIN"):
		return "BEGIN"
	case strings.HasPrefix(q, "COMMIT"):
		return "COMMIT"
	case strings.HasPrefix(q, "ROLLBACK"):
		return "ROLLBACK"
	case strings.HasPrefix(q, "CREATE TABLE"):
		return "CREATE TABLE"
	case strings.HasPrefix(q, "DROP TABLE"):
		return "DROP TABLE"
	case strings.HasPrefix(q, "ALTER TABLE"):
		return "ALTER TABLE"
	case strings.HasPrefix(q, "CREATE INDEX"):
		return "CREATE INDEX"
	case strings.HasPrefix(q, "DROP INDEX"):
		return "DROP INDEX"
	default:
		return "COMMAND"
	}
}
