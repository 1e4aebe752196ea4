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

// Package analyzer profiles executed queries. Statements are grouped by
// their normalized shape (literals stripped), timed with an
// accumulate-and-divide scheme, and flagged as slow against a
// hot-reloadable threshold. Slow shapes feed two advisory outputs:
// index recommendations scraped from WHERE and JOIN clauses, and safe
// rewrites that bound unbounded SELECTs. Everything here is heuristic;
// nothing the analyzer produces changes what a query returns.
package analyzer

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

const (
	numShards = 32

	defaultSlowQueryThreshold = 200 * time.Millisecond
	defaultMaxQueryShapes     = 1024
	defaultRewriteLimit       = 1000
)

// QueryStat is the externally visible profile of one query shape.
// AvgTime is derived from TotalTime and ExecCount at snapshot time and
// never stored, so the two can not drift apart.
type QueryStat struct {
	QueryID        string        `json:"queryId"`
	Query          string        `json:"query"`
	ExecCount      int64         `json:"execCount"`
	TotalTime      time.Duration `json:"totalTime"`
	MinTime        time.Duration `json:"minTime"`
	MaxTime        time.Duration `json:"maxTime"`
	AvgTime        time.Duration `json:"avgTime"`
	LastExecutedAt time.Time     `json:"lastExecutedAt"`
}

// queryStat is the mutable per-shape record, guarded by its shard's
// mutex.
type queryStat struct {
	queryID        string
	query          string
	execCount      int64
	totalTime      time.Duration
	minTime        time.Duration
	maxTime        time.Duration
	lastTime       time.Duration
	lastExecutedAt time.Time
	succeeded      bool
}

func (s *queryStat) avg() time.Duration {
	if s.execCount == 0 {
		return 0
	}
	return s.totalTime / time.Duration(s.execCount)
}

type shard struct {
	mu    sync.Mutex
	stats map[string]*queryStat
}

// Config tunes the analyzer. Zero values fall back to defaults.
type Config struct {
	// SlowQueryThreshold is the initial slow cutoff. A duration is slow
	// only when strictly greater than the threshold.
	SlowQueryThreshold time.Duration

	// MaxQueryShapes bounds the stats table across all shards.
	MaxQueryShapes int

	// RewriteLimit is the LIMIT injected into unbounded SELECTs.
	RewriteLimit int64
}

// Analyzer tracks per-shape statistics in a sharded table so high query
// volume contends on 1/32nd of the keyspace at a time.
type Analyzer struct {
	logger       *slog.Logger
	threshold    atomic.Int64
	perShard     int
	rewriteLimit int64
	shards       [numShards]shard
}

// New builds an analyzer.
func New(cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = defaultSlowQueryThreshold
	}
	if cfg.MaxQueryShapes <= 0 {
		cfg.MaxQueryShapes = defaultMaxQueryShapes
	}
	if cfg.RewriteLimit <= 0 {
		cfg.RewriteLimit = defaultRewriteLimit
	}

	a := &Analyzer{
		logger:       logger,
		perShard:     max(cfg.MaxQueryShapes/numShards, 1),
		rewriteLimit: cfg.RewriteLimit,
	}
	a.threshold.Store(int64(cfg.SlowQueryThreshold))
	for i := range a.shards {
		a.shards[i].stats = make(map[string]*queryStat)
	}
	return a
}

// SetThreshold replaces the slow-query cutoff. Safe under concurrent
// Record calls; the config watcher calls this on reload.
func (a *Analyzer) SetThreshold(d time.Duration) {
	a.threshold.Store(int64(d))
}

// Threshold returns the current slow-query cutoff.
func (a *Analyzer) Threshold() time.Duration {
	return time.Duration(a.threshold.Load())
}

// normalizeQuery reduces a statement to its shape: literals replaced by
// placeholders, keyed by a stable fingerprint. Statements the parser
// rejects still get profiled, under a key derived from the raw text.
func normalizeQuery(sql string) (normalized, key string) {
	normalized, err := pg_query.Normalize(sql)
	if err != nil {
		return sql, rawKey(sql)
	}
	key, err = pg_query.Fingerprint(sql)
	if err != nil {
		return normalized, rawKey(sql)
	}
	return normalized, key
}

func rawKey(sql string) string {
	h := fnv.New64a()
	h.Write([]byte(sql))
	return fmt.Sprintf("raw-%016x", h.Sum64())
}

func (a *Analyzer) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &a.shards[h.Sum32()%numShards]
}

// Record folds one execution into the shape's statistics. success marks
// whether the backend completed the statement; failed executions still
// count toward timing, but only shapes that have succeeded at least
// once are eligible for index recommendations, since a failed run says
// nothing about scan cost.
func (a *Analyzer) Record(sql string, duration time.Duration, success bool) {
	normalized, key := normalizeQuery(sql)

	sh := a.shardFor(key)
	sh.mu.Lock()
	st, ok := sh.stats[key]
	if !ok {
		if len(sh.stats) >= a.perShard {
			a.evictLocked(sh)
		}
		st = &queryStat{
			queryID: key,
			query:   normalized,
			minTime: duration,
		}
		sh.stats[key] = st
	}
	st.execCount++
	st.totalTime += duration
	if duration < st.minTime {
		st.minTime = duration
	}
	if duration > st.maxTime {
		st.maxTime = duration
	}
	st.lastTime = duration
	st.lastExecutedAt = time.Now()
	st.succeeded = st.succeeded || success
	sh.mu.Unlock()

	if threshold := a.Threshold(); duration > threshold {
		a.logger.Warn("slow query",
			"query", normalized,
			"duration", duration,
			"threshold", threshold,
			"success", success,
		)
	}
}

// evictLocked drops the least-recently-executed shape from a full
// shard. Caller holds the shard mutex.
func (a *Analyzer) evictLocked(sh *shard) {
	var victim string
	var oldest time.Time
	for key, st := range sh.stats {
		if victim == "" || st.lastExecutedAt.Before(oldest) {
			victim = key
			oldest = st.lastExecutedAt
		}
	}
	if victim != "" {
		delete(sh.stats, victim)
	}
}

// slowSnapshot returns copies of every shape whose average or most
// recent duration strictly exceeds the current threshold.
func (a *Analyzer) slowSnapshot() []queryStat {
	threshold := a.Threshold()
	var out []queryStat
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, st := range sh.stats {
			if st.avg() > threshold || st.lastTime > threshold {
				out = append(out, *st)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// SlowQueries returns the statistics of every slow shape, most
// expensive average first.
func (a *Analyzer) SlowQueries() []QueryStat {
	slow := a.slowSnapshot()
	out := make([]QueryStat, 0, len(slow))
	for _, st := range slow {
		out = append(out, QueryStat{
			QueryID:        st.queryID,
			Query:          st.query,
			ExecCount:      st.execCount,
			TotalTime:      st.totalTime,
			MinTime:        st.minTime,
			MaxTime:        st.maxTime,
			AvgTime:        st.avg(),
			LastExecutedAt: st.lastExecutedAt,
		})
	}
	slices.SortFunc(out, func(x, y QueryStat) int {
		return cmp.Compare(y.AvgTime, x.AvgTime)
	})
	return out
}
