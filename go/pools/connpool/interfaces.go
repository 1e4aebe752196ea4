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

package connpool

import "context"

// Connection is the resource the pool manages. A connection is held by
// one borrower at a time; the pool never shares it.
type Connection interface {
	// IsClosed reports whether the connection is no longer usable.
	// The pool retires closed connections instead of restacking them.
	IsClosed() bool

	// Close tears down the connection. Called at most once, on
	// retirement or pool shutdown.
	Close() error
}

// Factory dials a new connection. The pool calls it on demand when it
// grows toward capacity and from its background refill worker.
type Factory[C Connection] func(ctx context.Context) (C, error)
