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

package metrics

import "time"

// Snapshot is a point-in-time view of the whole access layer, assembled
// by the manager for the metrics endpoint. Counters are cumulative since
// startup; connection and transaction gauges describe the moment the
// snapshot was taken. Durations marshal as nanoseconds.
type Snapshot struct {
	QueriesExecuted int64         `json:"queriesExecuted"`
	QueriesFailed   int64         `json:"queriesFailed"`
	AvgQueryTime    time.Duration `json:"avgQueryTime"`
	MinQueryTime    time.Duration `json:"minQueryTime"`
	MaxQueryTime    time.Duration `json:"maxQueryTime"`

	CacheHits      int64 `json:"cacheHits"`
	CacheMisses    int64 `json:"cacheMisses"`
	CacheEvictions int64 `json:"cacheEvictions"`

	// Connection totals summed over every pool.
	ActiveConnections int64 `json:"activeConnections"`
	IdleConnections   int64 `json:"idleConnections"`
	WaitingAcquires   int64 `json:"waitingAcquires"`

	// Pools holds one entry per configured pool, in configuration order.
	Pools []PoolSnapshot `json:"pools"`

	// SlowQueries counts the distinct query shapes whose average
	// execution time is over the slow threshold.
	SlowQueries int `json:"slowQueries"`

	TransactionsActive     int   `json:"transactionsActive"`
	TransactionsCommitted  int64 `json:"transactionsCommitted"`
	TransactionsRolledBack int64 `json:"transactionsRolledBack"`
}

// PoolSnapshot describes one configured pool at snapshot time.
type PoolSnapshot struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Healthy bool   `json:"healthy"`
	// Open counts established server connections, in use or idle.
	Open  int64 `json:"open"`
	InUse int64 `json:"inUse"`
	Idle  int64 `json:"idle"`
	// LastProbeAt is the time of the most recent health probe, zero
	// until the first probe completes.
	LastProbeAt time.Time `json:"lastProbeAt"`
}
