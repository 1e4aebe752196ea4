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

import (
	"sync/atomic"
	"time"
)

// PoolMetrics counts pool activity since Open. All counters are
// monotonically increasing and safe for concurrent access.
type PoolMetrics struct {
	getCount          atomic.Int64
	waitCount         atomic.Int64
	waitTime          atomic.Int64
	dialCount         atomic.Int64
	dialErrors        atomic.Int64
	idleClosed        atomic.Int64
	maxLifetimeClosed atomic.Int64
}

// GetCount returns the number of Get calls served, including ones that
// failed or timed out.
func (m *PoolMetrics) GetCount() int64 {
	return m.getCount.Load()
}

// WaitCount returns the number of Get calls that had to wait because
// the pool was at capacity.
func (m *PoolMetrics) WaitCount() int64 {
	return m.waitCount.Load()
}

// WaitTime returns the cumulative time Get calls spent waiting.
func (m *PoolMetrics) WaitTime() time.Duration {
	return time.Duration(m.waitTime.Load())
}

// DialCount returns the number of connections the pool has opened.
func (m *PoolMetrics) DialCount() int64 {
	return m.dialCount.Load()
}

// DialErrors returns the number of failed connection attempts.
func (m *PoolMetrics) DialErrors() int64 {
	return m.dialErrors.Load()
}

// IdleClosed returns the number of connections closed by the idle
// timeout or the idle cap.
func (m *PoolMetrics) IdleClosed() int64 {
	return m.idleClosed.Load()
}

// MaxLifetimeClosed returns the number of connections retired for
// exceeding the lifetime cap.
func (m *PoolMetrics) MaxLifetimeClosed() int64 {
	return m.maxLifetimeClosed.Load()
}
