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

// Package dberr defines the error taxonomy shared across the access layer.
// Individual packages keep their own sentinel errors (pool exhaustion,
// cache misses, and so on); those sentinels are wrapped into this taxonomy
// at the public API boundary so callers can classify failures without
// knowing which internal layer produced them.
package dberr

import (
	"errors"
	"fmt"
)

// Code identifies the broad category of a failure.
type Code int

const (
	// CodeUnknown is the zero value for unclassified failures.
	CodeUnknown Code = iota

	// CodeConnection covers pool exhaustion, connect timeouts, and
	// network failures while obtaining or holding a connection.
	CodeConnection

	// CodeQuery covers failures reported by the backend for a statement
	// (syntax errors, constraint violations).
	CodeQuery

	// CodeTimeout covers per-call timeouts: the statement exceeded its
	// configured deadline.
	CodeTimeout

	// CodeTransaction covers illegal transaction usage and commit or
	// rollback failures.
	CodeTransaction

	// CodeCache covers cache-layer failures (serialization, unreachable
	// distributed tier). These are absorbed internally and should rarely
	// reach callers.
	CodeCache
)

func (c Code) String() string {
	switch c {
	case CodeConnection:
		return "connection"
	case CodeQuery:
		return "query"
	case CodeTimeout:
		return "timeout"
	case CodeTransaction:
		return "transaction"
	case CodeCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Class refines CodeQuery failures into the categories the executor
// reports to the analyzer and the retry logic.
type Class int

const (
	// ClassNone means no finer classification applies.
	ClassNone Class = iota

	// ClassConnectionLost means the connection died mid-statement.
	ClassConnectionLost

	// ClassConstraintViolation means the backend rejected the statement
	// for violating an integrity constraint.
	ClassConstraintViolation

	// ClassTimeout means the statement was cancelled for exceeding its
	// deadline.
	ClassTimeout

	// ClassOther is every backend failure not covered above.
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassConnectionLost:
		return "connection_lost"
	case ClassConstraintViolation:
		return "constraint_violation"
	case ClassTimeout:
		return "timeout"
	case ClassOther:
		return "other"
	default:
		return "none"
	}
}

// Error is a classified failure. It wraps the underlying cause so that
// errors.Is and errors.As keep working through it.
type Error struct {
	code  Code
	class Class
	op    string
	pool  string
	err   error
}

// New builds a classified error wrapping cause. op names the logical
// operation that failed ("acquire", "execute", "commit").
func New(code Code, op string, cause error) *Error {
	return &Error{code: code, op: op, err: cause}
}

// Connection builds a CodeConnection error attributed to a pool.
func Connection(op, pool string, cause error) *Error {
	return &Error{code: CodeConnection, op: op, pool: pool, err: cause}
}

// Query builds a CodeQuery error with a failure class.
func Query(class Class, op string, cause error) *Error {
	return &Error{code: CodeQuery, class: class, op: op, err: cause}
}

// Timeout builds a CodeTimeout error.
func Timeout(op string, cause error) *Error {
	return &Error{code: CodeTimeout, class: ClassTimeout, op: op, err: cause}
}

// Transaction builds a CodeTransaction error.
func Transaction(op string, cause error) *Error {
	return &Error{code: CodeTransaction, op: op, err: cause}
}

// Cache builds a CodeCache error.
func Cache(op string, cause error) *Error {
	return &Error{code: CodeCache, op: op, err: cause}
}

func (e *Error) Error() string {
	msg := e.op
	if e.pool != "" {
		msg = fmt.Sprintf("%s (pool %s)", e.op, e.pool)
	}
	if e.err != nil {
		return msg + ": " + e.err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the failure category.
func (e *Error) Code() Code {
	return e.code
}

// Class returns the finer query failure class, ClassNone if not set.
func (e *Error) Class() Class {
	return e.class
}

// Pool returns the pool the failure is attributed to, if known.
func (e *Error) Pool() string {
	return e.pool
}

// WithPool returns a copy of the error attributed to the given pool.
func (e *Error) WithPool(pool string) *Error {
	clone := *e
	clone.pool = pool
	return &clone
}

// Transient reports whether the failure is worth retrying against a
// different pool. Only lost connections qualify: the statement never
// reached a healthy backend, so re-running it elsewhere is safe.
func (e *Error) Transient() bool {
	return e.class == ClassConnectionLost
}

// CodeOf extracts the Code from err, or CodeUnknown if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeUnknown
}

// ClassOf extracts the Class from err, or ClassNone if err carries none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.class
	}
	return ClassNone
}

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient()
	}
	return false
}
