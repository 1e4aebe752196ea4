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

package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/lib/pq"

	"github.com/multigres/pgdal/go/dberr"
)

// SQLSTATE 57014 is query_canceled, raised by statement_timeout and by
// the cancellation database/sql sends when a context expires mid-query.
const sqlStateQueryCanceled = "57014"

// Classify maps a driver failure onto the dberr taxonomy. Deadline
// expiry wins over whatever secondary error the cancellation produced,
// since the race between ctx.Err and the driver's own report is
// arbitrary.
func Classify(ctx context.Context, op string, err error) *dberr.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return dberr.Timeout(op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == sqlStateQueryCanceled:
			return dberr.Timeout(op, err)
		case pqErr.Code.Class() == "08":
			return dberr.Query(dberr.ClassConnectionLost, op, err)
		case pqErr.Code.Class() == "23":
			return dberr.Query(dberr.ClassConstraintViolation, op, err)
		default:
			return dberr.Query(dberr.ClassOther, op, err)
		}
	}

	if connectionLost(err) {
		return dberr.Query(dberr.ClassConnectionLost, op, err)
	}
	return dberr.Query(dberr.ClassOther, op, err)
}

// connectionLost reports whether the failure means the session is gone
// rather than the statement being rejected. Lost connections are the
// only failures worth retrying on another pool.
func connectionLost(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
