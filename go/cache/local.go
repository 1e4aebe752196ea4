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
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxEntries    = 1024
	defaultSweepInterval = 30 * time.Second
)

// Local is the bounded in-process tier. Reads share an RLock and record
// recency through a per-entry atomic sequence, so a hot Get path never
// takes the write lock. Inserting past the bound evicts exactly one
// entry, the one with the smallest recency sequence.
type Local struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
	closed     bool

	seq       atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	sets      atomic.Int64

	stop chan struct{}
	done chan struct{}
}

type entry struct {
	value     []byte
	expiresAt time.Time
	recency   atomic.Int64
}

func (e *entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

var _ Cache = (*Local)(nil)

// NewLocal creates the in-process tier holding at most maxEntries
// values. A janitor goroutine sweeps expired entries every
// sweepInterval; Close stops it. Non-positive arguments select the
// defaults.
func NewLocal(maxEntries int, sweepInterval time.Duration) *Local {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	c := &Local{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.janitor(sweepInterval)
	return c
}

func (c *Local) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	if ok && !e.expired() {
		e.recency.Store(c.seq.Add(1))
		cp := make([]byte, len(e.value))
		copy(cp, e.value)
		c.mu.RUnlock()
		c.hits.Add(1)
		return cp, nil
	}
	c.mu.RUnlock()
	if ok {
		// Expired. Drop it now rather than waiting for the janitor,
		// guarding against a concurrent Set having replaced it.
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	return nil, ErrNotFound
}

func (c *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	e := &entry{value: cp, expiresAt: expiresAt}
	e.recency.Store(c.seq.Add(1))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.entries[key] = e
	c.sets.Add(1)
	return nil
}

// evictOneLocked removes the entry with the minimum recency sequence.
func (c *Local) evictOneLocked() {
	var (
		victim string
		oldest int64
		found  bool
	)
	for key, e := range c.entries {
		if r := e.recency.Load(); !found || r < oldest {
			victim, oldest, found = key, r, true
		}
	}
	if found {
		delete(c.entries, victim)
		c.evictions.Add(1)
	}
}

func (c *Local) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Local) Ping(_ context.Context) error { return nil }

// Len returns the number of live entries, expired ones included until
// the janitor or a Get removes them.
func (c *Local) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats reports effectiveness counters. Evictions counts capacity
// evictions only, not expired entries swept by the janitor.
func (c *Local) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Sets:      c.sets.Load(),
	}
}

// Close drops all entries and stops the janitor. It is safe to call
// more than once.
func (c *Local) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.entries = nil
	c.mu.Unlock()
	close(c.stop)
	<-c.done
	return nil
}

func (c *Local) janitor(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Local) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
