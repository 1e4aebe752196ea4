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

// Package metrics provides OpenTelemetry metrics for pgdal.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Attribute keys. The pool name key comes from OTel semantic conventions
// (semconv.DBClientConnectionPoolNameKey); the others are pgdal's own.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeySuccess  = "success"
	attrKeyTier     = "tier"
	attrKeyResult   = "result"
)

// QueryDuration wraps a Float64Histogram for recording statement durations.
// Follows OTel database client semantic conventions:
//   - https://opentelemetry.io/docs/specs/semconv/database/database-metrics/
type QueryDuration struct {
	metric.Float64Histogram
}

// Record records one statement execution with its pool and outcome.
func (m QueryDuration) Record(ctx context.Context, duration time.Duration, pool string, success bool) {
	m.Float64Histogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String(attrKeyPoolName, pool),
			attribute.Bool(attrKeySuccess, success),
		))
}

// CacheRequests wraps an Int64Counter for counting result cache lookups.
type CacheRequests struct {
	metric.Int64Counter
}

// Record records one lookup against the named tier ("local" or "shared")
// and its outcome.
func (m CacheRequests) Record(ctx context.Context, tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.Int64Counter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(attrKeyTier, tier),
			attribute.String(attrKeyResult, result),
		))
}

// PoolWaits wraps a Float64Histogram for recording how long acquires
// waited for a pooled connection.
type PoolWaits struct {
	metric.Float64Histogram
}

// Record records one acquire wait for the named pool.
func (m PoolWaits) Record(ctx context.Context, duration time.Duration, pool string) {
	m.Float64Histogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String(attrKeyPoolName, pool)))
}

// Collector holds all OpenTelemetry metrics for pgdal, plus the running
// statement aggregate reported by Timings. All methods are safe for
// concurrent use.
type Collector struct {
	meter         metric.Meter
	queryDuration QueryDuration
	cacheRequests CacheRequests
	poolWaits     PoolWaits

	mu       sync.Mutex
	executed int64
	failed   int64
	total    time.Duration
	min      time.Duration
	max      time.Duration
}

// NewCollector initializes OpenTelemetry metrics for pgdal.
// Individual metrics that fail to initialize will use noop implementations and be included
// in the returned error. The caller should log or handle these errors as appropriate.
func NewCollector() (*Collector, error) {
	c := &Collector{
		meter: otel.Meter("github.com/multigres/pgdal"),
	}

	var errs []error

	queryDurationHistogram, err := c.meter.Float64Histogram(
		"db.client.query.duration",
		metric.WithDescription("Duration of statements executed through the access layer"),
		metric.WithUnit("s"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("db.client.query.duration histogram: %w", err))
		c.queryDuration = QueryDuration{noop.Float64Histogram{}}
	} else {
		c.queryDuration = QueryDuration{queryDurationHistogram}
	}

	cacheRequestsCounter, err := c.meter.Int64Counter(
		"db.client.cache.requests",
		metric.WithDescription("Result cache lookups by tier and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("db.client.cache.requests counter: %w", err))
		c.cacheRequests = CacheRequests{noop.Int64Counter{}}
	} else {
		c.cacheRequests = CacheRequests{cacheRequestsCounter}
	}

	poolWaitsHistogram, err := c.meter.Float64Histogram(
		"db.client.pool.waits",
		metric.WithDescription("Time spent waiting for a pooled connection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("db.client.pool.waits histogram: %w", err))
		c.poolWaits = PoolWaits{noop.Float64Histogram{}}
	} else {
		c.poolWaits = PoolWaits{poolWaitsHistogram}
	}

	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	return c, nil
}

// RecordQuery records one executed statement. The duration lands in the
// db.client.query.duration histogram and in the running aggregate
// reported by Timings.
func (c *Collector) RecordQuery(ctx context.Context, pool string, duration time.Duration, success bool) {
	c.queryDuration.Record(ctx, duration, pool, success)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed++
	if !success {
		c.failed++
	}
	c.total += duration
	if c.executed == 1 || duration < c.min {
		c.min = duration
	}
	if duration > c.max {
		c.max = duration
	}
}

// RecordCacheRequest records one result cache lookup.
func (c *Collector) RecordCacheRequest(ctx context.Context, tier string, hit bool) {
	c.cacheRequests.Record(ctx, tier, hit)
}

// RecordPoolWait records how long an acquire waited for a connection.
func (c *Collector) RecordPoolWait(ctx context.Context, pool string, wait time.Duration) {
	c.poolWaits.Record(ctx, wait, pool)
}

// QueryTimings aggregates every statement recorded since the collector
// was created.
type QueryTimings struct {
	// Executed counts all recorded statements, including failures.
	Executed int64
	// Failed counts the subset that returned an error.
	Failed int64
	// Avg, Min and Max describe the observed execution times. All three
	// stay zero until the first statement is recorded.
	Avg time.Duration
	Min time.Duration
	Max time.Duration
}

// Timings returns the aggregate statement timings.
func (c *Collector) Timings() QueryTimings {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := QueryTimings{
		Executed: c.executed,
		Failed:   c.failed,
		Min:      c.min,
		Max:      c.max,
	}
	if c.executed > 0 {
		t.Avg = c.total / time.Duration(c.executed)
	}
	return t
}
