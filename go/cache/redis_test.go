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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisFromClient(client, "")
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisRoundTrip(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	// Keys are namespaced on the wire.
	raw, err := mr.Get("pgdal:k")
	require.NoError(t, err)
	assert.Equal(t, "v", raw)
}

func TestRedisMiss(t *testing.T) {
	_, c := newTestRedis(t)

	_, err := c.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisExpiry(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisGetWithTTL(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 3*time.Second))
	mr.FastForward(time.Second)

	val, remaining, err := c.GetWithTTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, 2*time.Second, remaining)

	_, _, err = c.GetWithTTL(ctx, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisDelete(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Delete(ctx, "never-existed"))
}

func TestRedisPing(t *testing.T) {
	_, c := newTestRedis(t)
	require.NoError(t, c.Ping(context.Background()))
}

func TestRedisCustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisFromClient(client, "other:")
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("other:k"))
	assert.False(t, mr.Exists("pgdal:k"))
}
