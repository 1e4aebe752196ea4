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

// Package pgdal is the public face of the access layer. One Manager
// wires the pool registry, health probing, read balancing, statement
// execution, the tiered result cache, the transaction coordinator and
// metrics behind a small API: Execute, ExecuteCached, Begin, and the
// observability views.
package pgdal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/multigres/pgdal/go/analyzer"
	"github.com/multigres/pgdal/go/balancer"
	"github.com/multigres/pgdal/go/cache"
	"github.com/multigres/pgdal/go/dbconn"
	"github.com/multigres/pgdal/go/dberr"
	"github.com/multigres/pgdal/go/executor"
	"github.com/multigres/pgdal/go/health"
	"github.com/multigres/pgdal/go/metrics"
	"github.com/multigres/pgdal/go/pools/registry"
	"github.com/multigres/pgdal/go/txn"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("access layer is closed")

type options struct {
	logger  *slog.Logger
	sources map[string]*dbconn.Source
}

// Option customizes manager construction.
type Option func(*options)

// WithLogger sets the logger shared by every component. The default
// discards.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPoolSource replaces DSN-based dialing for one pool with an
// injected source, for embedders and tests that manage their own
// database handle. The manager takes ownership and closes the source
// with the pool.
func WithPoolSource(pool string, source *dbconn.Source) Option {
	return func(o *options) {
		if o.sources == nil {
			o.sources = make(map[string]*dbconn.Source)
		}
		o.sources[pool] = source
	}
}

// Manager is one running access layer instance.
type Manager struct {
	logger    *slog.Logger
	registry  *registry.Registry
	monitor   *health.Monitor
	balancer  *balancer.Balancer
	executor  *executor.Executor
	analyzer  *analyzer.Analyzer
	cache     *cache.Tiered
	coord     *txn.Coordinator
	collector *metrics.Collector

	defaultCacheTTL time.Duration
	closed          atomic.Bool
}

// New validates cfg and builds a running access layer: pools opened,
// health probing started, routing strategy resolved. Configuration
// mistakes are fatal here rather than surfacing later on the request
// path. A shared cache tier that is down at startup is the one
// exception: the manager logs it and degrades to the local tier.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := cfg.validate(o.sources); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Warn("some metric instruments failed to initialize", "error", err)
	}

	anl := analyzer.New(analyzer.Config{
		SlowQueryThreshold: cfg.Analyzer.SlowQueryThreshold,
		MaxQueryShapes:     cfg.Analyzer.MaxQueryShapes,
		RewriteLimit:       cfg.Analyzer.DefaultLimit,
	}, logger)

	exec := executor.New(logger, anl, cfg.QueryTimeout)

	reg, err := registry.New(cfg.registryConfigs(o.sources), logger)
	if err != nil {
		return nil, err
	}

	l1 := cache.NewLocal(cfg.Cache.L1MaxEntries, 0)
	var l2 cache.Cache
	if cfg.Cache.L2Endpoint != "" {
		redis := cache.NewRedis(cache.RedisConfig{Addr: cfg.Cache.L2Endpoint})
		if err := redis.Ping(ctx); err != nil {
			logger.Warn("shared cache tier unreachable, continuing on the local tier",
				"endpoint", cfg.Cache.L2Endpoint,
				"error", err,
			)
		}
		l2 = redis
	}
	tiered := cache.NewTiered(l1, l2, cfg.Cache.L1TTL, collector, logger)

	pools := reg.Pools()
	probers := make([]health.Prober, 0, len(pools))
	candidates := make([]balancer.Pool, 0, len(pools))
	for _, p := range pools {
		probers = append(probers, p)
		candidates = append(candidates, p)
	}
	monitor := health.NewMonitor(probers, health.Config{
		Interval:               cfg.Health.Interval,
		Timeout:                cfg.Health.Timeout,
		HealthyAfterNSuccesses: cfg.Health.HealthyAfterNSuccesses,
	}, logger)

	strategy := cfg.Balancer.Strategy
	if strategy == "" {
		strategy = balancer.StrategyRoundRobin
	}
	bal, err := balancer.New(strategy, candidates, monitor)
	if err != nil {
		reg.Close()
		if cerr := tiered.Close(); cerr != nil {
			logger.Warn("closing cache", "error", cerr)
		}
		return nil, err
	}

	m := &Manager{
		logger:          logger,
		registry:        reg,
		monitor:         monitor,
		balancer:        bal,
		executor:        exec,
		analyzer:        anl,
		cache:           tiered,
		coord:           txn.NewCoordinator(reg, exec, txn.Config{}, logger),
		collector:       collector,
		defaultCacheTTL: cfg.Cache.L2TTL,
	}
	monitor.Start()

	logger.Info("access layer ready",
		"pools", len(pools),
		"strategy", strategy,
		"shared_cache", l2 != nil,
	)
	return m, nil
}

// Execute runs one statement. Row-returning statements are routed by
// the configured strategy across healthy pools; everything else runs on
// the primary. A read that fails because its connection dropped or
// could not be obtained is retried once on a different healthy pool.
// Writes are never retried: the statement may have reached the server
// even though the response did not come back.
func (m *Manager) Execute(ctx context.Context, query string, params ...any) (*executor.Result, error) {
	if m.closed.Load() {
		return nil, dberr.Connection("execute query", "", ErrClosed)
	}
	if !executor.IsRowReturning(query) {
		return m.executeOn(ctx, m.registry.Primary().Name(), query, params)
	}

	pool, err := m.balancer.Pick()
	if err != nil {
		return nil, dberr.Connection("route query", "", err)
	}
	res, err := m.executeOn(ctx, pool.Name(), query, params)
	if err == nil || !retriable(err) {
		return res, err
	}

	next, perr := m.balancer.Pick(pool.Name())
	if perr != nil {
		// No alternative pool; surface the original failure.
		return res, err
	}
	m.logger.WarnContext(ctx, "retrying read on another pool",
		"failed_pool", pool.Name(),
		"retry_pool", next.Name(),
		"error", err,
	)
	return m.executeOn(ctx, next.Name(), query, params)
}

// retriable reports whether a read may move to another pool: the
// connection died mid-statement or could not be obtained at all. Either
// way the statement did not complete, so re-running it elsewhere is
// safe. Timeouts are excluded; the caller's deadline is already spent.
func retriable(err error) bool {
	if dberr.IsTransient(err) {
		return true
	}
	return dberr.CodeOf(err) == dberr.CodeConnection
}

// executeOn runs one statement on the named pool, accounting the
// acquire wait and the execution in the collector. Connections whose
// backend died are discarded instead of returned to the pool.
func (m *Manager) executeOn(ctx context.Context, pool, query string, params []any) (*executor.Result, error) {
	waitStart := time.Now()
	lease, err := m.registry.Acquire(ctx, pool)
	m.collector.RecordPoolWait(ctx, pool, time.Since(waitStart))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.executor.Execute(ctx, lease.Conn(), query, params...)
	m.collector.RecordQuery(ctx, pool, time.Since(start), err == nil)

	if dberr.ClassOf(err) == dberr.ClassConnectionLost {
		lease.Discard()
	} else {
		lease.Release()
	}
	return res, err
}

// ExecuteCached is Execute with the result cache in front. Only
// row-returning statements are cached; anything else falls through to
// Execute untouched. ttl bounds the cached copy's life; non-positive
// selects the configured default. Cache failures never fail the
// request: a broken entry is dropped and the statement runs against the
// database.
func (m *Manager) ExecuteCached(ctx context.Context, ttl time.Duration, query string, params ...any) (*executor.Result, error) {
	if m.closed.Load() {
		return nil, dberr.Connection("execute query", "", ErrClosed)
	}
	if !executor.IsRowReturning(query) {
		return m.Execute(ctx, query, params...)
	}

	key := cacheKey(query, params)
	if data, err := m.cache.Get(ctx, key); err == nil {
		var res executor.Result
		uerr := json.Unmarshal(data, &res)
		if uerr == nil {
			return &res, nil
		}
		// A corrupt entry must not pin a permanent decode failure.
		_ = m.cache.Delete(ctx, key)
		m.logger.WarnContext(ctx, "dropped undecodable cache entry",
			"key", key,
			"error", dberr.Cache("decode cached result", uerr),
		)
	}

	res, err := m.Execute(ctx, query, params...)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = m.defaultCacheTTL
	}
	data, merr := json.Marshal(res)
	if merr != nil {
		m.logger.WarnContext(ctx, "result not cached",
			"error", dberr.Cache("encode result", merr),
		)
		return res, nil
	}
	if serr := m.cache.Set(ctx, key, data, ttl); serr != nil {
		m.logger.WarnContext(ctx, "result not cached",
			"error", dberr.Cache("store result", serr),
		)
	}
	return res, nil
}

// cacheKey derives the cache identity of a statement. The fingerprint
// groups the key by query shape, but it alone would collide: it is
// stable across literal values, and two statements differing only in an
// inline literal return different rows. The digest over the raw text
// and the parameters separates them.
func cacheKey(query string, params []any) string {
	fingerprint, err := pg_query.Fingerprint(query)
	if err != nil {
		fingerprint = "raw"
	}
	h := fnv.New64a()
	h.Write([]byte(query))
	for _, p := range params {
		fmt.Fprintf(h, "|%v", p)
	}
	return fmt.Sprintf("%s:%016x", fingerprint, h.Sum64())
}

// Begin opens a transaction on the primary and returns its handle. The
// handle's statements all run on the one pinned connection.
func (m *Manager) Begin(ctx context.Context) (*txn.Tx, error) {
	return m.coord.Begin(ctx)
}

// SlowQueries returns the profile of every query shape currently over
// the slow threshold, most expensive first.
func (m *Manager) SlowQueries() []analyzer.QueryStat {
	return m.analyzer.SlowQueries()
}

// IndexRecommendations derives advisory index hints from the slow query
// shapes.
func (m *Manager) IndexRecommendations() []analyzer.IndexRecommendation {
	return m.analyzer.Recommendations()
}

// SetSlowQueryThreshold replaces the slow-query cutoff at runtime. The
// daemon calls this when the watched config file changes.
func (m *Manager) SetSlowQueryThreshold(d time.Duration) {
	m.analyzer.SetThreshold(d)
}

// Health returns the probe state of every pool, in configuration order.
func (m *Manager) Health() []health.PoolHealth {
	return m.monitor.Snapshot()
}

// Metrics assembles the point-in-time snapshot across every component.
func (m *Manager) Metrics() metrics.Snapshot {
	timings := m.collector.Timings()
	cacheStats := m.cache.Stats()
	txStats := m.coord.Stats()

	snap := metrics.Snapshot{
		QueriesExecuted:        timings.Executed,
		QueriesFailed:          timings.Failed,
		AvgQueryTime:           timings.Avg,
		MinQueryTime:           timings.Min,
		MaxQueryTime:           timings.Max,
		CacheHits:              cacheStats.Hits,
		CacheMisses:            cacheStats.Misses,
		CacheEvictions:         cacheStats.Evictions,
		SlowQueries:            len(m.analyzer.SlowQueries()),
		TransactionsActive:     txStats.Active,
		TransactionsCommitted:  txStats.Committed,
		TransactionsRolledBack: txStats.RolledBack + txStats.Expired,
	}

	healthByPool := make(map[string]health.PoolHealth)
	for _, h := range m.monitor.Snapshot() {
		healthByPool[h.Pool] = h
	}
	for _, p := range m.registry.Pools() {
		stats := p.Stats()
		h := healthByPool[p.Name()]
		snap.ActiveConnections += stats.Borrowed
		snap.IdleConnections += stats.Idle
		snap.WaitingAcquires += stats.Waiting
		snap.Pools = append(snap.Pools, metrics.PoolSnapshot{
			ID:          p.Name(),
			Role:        string(p.Role()),
			Healthy:     h.Healthy,
			Open:        stats.Active,
			InUse:       stats.Borrowed,
			Idle:        stats.Idle,
			LastProbeAt: h.LastProbeAt,
		})
	}
	return snap
}

// Close shuts the access layer down: probe loops stop, open
// transactions are rolled back, pools drain, the cache closes. Safe to
// call more than once.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.monitor.Stop()
	m.coord.Close()
	m.registry.Close()
	if err := m.cache.Close(); err != nil {
		m.logger.Warn("closing cache", "error", err)
	}
	m.logger.Info("access layer closed")
}
