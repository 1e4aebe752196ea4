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

// Package cache provides the two-tier result cache: a bounded in-process
// LRU (L1) in front of an optional shared Redis tier (L2). The shared
// tier is best effort. When it misbehaves the tiered cache degrades to
// local operation instead of failing the caller.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Tier names reported to lookup recorders.
const (
	TierLocal  = "local"
	TierShared = "shared"
)

// Recorder observes individual lookups per tier. The tiered cache calls
// it once for every level it consults on a Get.
type Recorder interface {
	RecordCacheRequest(ctx context.Context, tier string, hit bool)
}

// Cache is the contract shared by every tier. Values are opaque bytes;
// callers own serialization.
type Cache interface {
	// Get returns the value stored under key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. It is not an error to delete a key that does
	// not exist.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error
}

// Stats is a point-in-time view of cache effectiveness counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Sets      int64
}
