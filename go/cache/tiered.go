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

package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultL1TTL = 10 * time.Second
	defaultL2TTL = 5 * time.Minute
)

// Tiered layers the local cache in front of a shared one. Reads check
// L1 first, fall through to L2 on miss and back-fill L1 on a hit.
// Writes go to both layers, with the L1 copy capped at l1TTL so the
// local front stays fresh relative to the shared truth.
//
// The shared tier never fails a caller: any L2 error turns a Get into a
// miss and a Set or Delete into an L1-only operation, with a single
// warning logged per outage. A nil L2 runs the cache in local-only
// mode, where writes keep their full TTL because there is no second
// tier to fall back on.
type Tiered struct {
	l1       *Local
	l2       Cache
	l1TTL    time.Duration
	recorder Recorder
	logger   *slog.Logger

	degraded atomic.Bool
	hits     atomic.Int64
	misses   atomic.Int64
	sets     atomic.Int64
}

var _ Cache = (*Tiered)(nil)

// ttlGetter is implemented by shared tiers that can report an entry's
// remaining TTL alongside its value.
type ttlGetter interface {
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)
}

// NewTiered creates the two-level cache. l2 may be nil for local-only
// operation. l1TTL bounds how long any back-filled or written entry
// lives in L1; non-positive selects the default. recorder may be nil to
// skip per-tier lookup accounting.
func NewTiered(l1 *Local, l2 Cache, l1TTL time.Duration, recorder Recorder, logger *slog.Logger) *Tiered {
	if l1TTL <= 0 {
		l1TTL = defaultL1TTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tiered{l1: l1, l2: l2, l1TTL: l1TTL, recorder: recorder, logger: logger}
}

func (t *Tiered) record(ctx context.Context, tier string, hit bool) {
	if t.recorder != nil {
		t.recorder.RecordCacheRequest(ctx, tier, hit)
	}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Get(ctx, key)
	if err == nil {
		t.hits.Add(1)
		t.record(ctx, TierLocal, true)
		return val, nil
	}
	t.record(ctx, TierLocal, false)
	if t.l2 == nil {
		t.misses.Add(1)
		return nil, ErrNotFound
	}
	val, remaining, err := t.l2Get(ctx, key)
	if err != nil {
		t.misses.Add(1)
		t.record(ctx, TierShared, false)
		if errors.Is(err, ErrNotFound) {
			t.restore()
		} else {
			t.degrade("get", err)
		}
		return nil, ErrNotFound
	}
	t.restore()
	t.hits.Add(1)
	t.record(ctx, TierShared, true)
	ttl := t.l1TTL
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	_ = t.l1.Set(ctx, key, val, ttl)
	return val, nil
}

func (t *Tiered) l2Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	if g, ok := t.l2.(ttlGetter); ok {
		return g.GetWithTTL(ctx, key)
	}
	val, err := t.l2.Get(ctx, key)
	return val, 0, err
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultL2TTL
	}
	l1TTL := ttl
	if t.l2 != nil {
		l1TTL = min(ttl, t.l1TTL)
	}
	_ = t.l1.Set(ctx, key, value, l1TTL)
	t.sets.Add(1)
	if t.l2 == nil {
		return nil
	}
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		t.degrade("set", err)
		return nil
	}
	t.restore()
	return nil
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	if t.l2 == nil {
		return nil
	}
	if err := t.l2.Delete(ctx, key); err != nil {
		t.degrade("delete", err)
		return nil
	}
	t.restore()
	return nil
}

// Ping reports shared-tier reachability. The local tier is always
// reachable, so in local-only mode Ping never fails.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.l2 == nil {
		return nil
	}
	return t.l2.Ping(ctx)
}

func (t *Tiered) Close() error {
	err := t.l1.Close()
	if t.l2 != nil {
		err = errors.Join(err, t.l2.Close())
	}
	return err
}

// Stats reports tier-level outcomes: a hit is a Get answered by either
// level, evictions come from the local tier.
func (t *Tiered) Stats() Stats {
	return Stats{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Evictions: t.l1.Stats().Evictions,
		Sets:      t.sets.Load(),
	}
}

func (t *Tiered) degrade(op string, err error) {
	if t.degraded.CompareAndSwap(false, true) {
		t.logger.Warn("shared cache unavailable, continuing on local tier only", "op", op, "error", err)
	}
}

func (t *Tiered) restore() {
	if t.degraded.CompareAndSwap(true, false) {
		t.logger.Info("shared cache restored")
	}
}
