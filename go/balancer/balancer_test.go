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

package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgdal/go/pools/connpool"
	"github.com/multigres/pgdal/go/pools/registry"
)

type fakePool struct {
	name     string
	role     registry.Role
	borrowed int64
	capacity int64
}

func (f *fakePool) Name() string { return f.name }

func (f *fakePool) Role() registry.Role { return f.role }

func (f *fakePool) Stats() connpool.PoolStats {
	return connpool.PoolStats{Borrowed: f.borrowed}
}

func (f *fakePool) Capacity() int64 { return f.capacity }

type fakeView map[string]bool

func (v fakeView) IsHealthy(pool string) bool { return v[pool] }

func testPools() []Pool {
	return []Pool{
		&fakePool{name: "main", role: registry.RolePrimary, capacity: 10},
		&fakePool{name: "replica1", role: registry.RoleReplica, capacity: 10},
		&fakePool{name: "replica2", role: registry.RoleReplica, capacity: 10},
	}
}

func allHealthy() fakeView {
	return fakeView{"main": true, "replica1": true, "replica2": true}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("zigzag", testPools(), allHealthy())
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown load balancing strategy "zigzag"`)
	assert.ErrorContains(t, err, StrategyRoundRobin)
}

func TestAvailable(t *testing.T) {
	names := Available()
	assert.Contains(t, names, StrategyRoundRobin)
	assert.Contains(t, names, StrategyLeastConnections)
	assert.Contains(t, names, StrategyPrimaryPreferred)
	assert.IsIncreasing(t, names)
}

func TestRoundRobinRotates(t *testing.T) {
	b, err := New(StrategyRoundRobin, testPools(), allHealthy())
	require.NoError(t, err)

	var picks []string
	for range 4 {
		p, err := b.Pick()
		require.NoError(t, err)
		picks = append(picks, p.Name())
	}
	assert.Equal(t, []string{"main", "replica1", "replica2", "main"}, picks)
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	view := allHealthy()
	view["replica1"] = false

	b, err := New(StrategyRoundRobin, testPools(), view)
	require.NoError(t, err)

	for range 6 {
		p, err := b.Pick()
		require.NoError(t, err)
		assert.NotEqual(t, "replica1", p.Name())
	}

	// Once the view reports recovery the pool rejoins the rotation.
	view["replica1"] = true
	seen := make(map[string]bool)
	for range 6 {
		p, err := b.Pick()
		require.NoError(t, err)
		seen[p.Name()] = true
	}
	assert.True(t, seen["replica1"])
}

func TestNoHealthyPool(t *testing.T) {
	b, err := New(StrategyRoundRobin, testPools(), fakeView{})
	require.NoError(t, err)

	_, err = b.Pick()
	assert.ErrorIs(t, err, ErrNoHealthyPool)
}

func TestPickExcludes(t *testing.T) {
	b, err := New(StrategyRoundRobin, testPools(), allHealthy())
	require.NoError(t, err)

	for range 6 {
		p, err := b.Pick("main")
		require.NoError(t, err)
		assert.NotEqual(t, "main", p.Name())
	}

	_, err = b.Pick("main", "replica1", "replica2")
	assert.ErrorIs(t, err, ErrNoHealthyPool)
}

func TestLeastConnections(t *testing.T) {
	pools := []Pool{
		&fakePool{name: "main", role: registry.RolePrimary, borrowed: 5, capacity: 10},
		&fakePool{name: "replica1", role: registry.RoleReplica, borrowed: 2, capacity: 10},
		&fakePool{name: "replica2", role: registry.RoleReplica, borrowed: 7, capacity: 10},
	}
	view := allHealthy()

	b, err := New(StrategyLeastConnections, pools, view)
	require.NoError(t, err)

	p, err := b.Pick()
	require.NoError(t, err)
	assert.Equal(t, "replica1", p.Name())

	// With the least loaded pool down, the next lowest wins.
	view["replica1"] = false
	p, err = b.Pick()
	require.NoError(t, err)
	assert.Equal(t, "main", p.Name())
}

func TestPrimaryPreferred(t *testing.T) {
	primary := &fakePool{name: "main", role: registry.RolePrimary, borrowed: 3, capacity: 10}
	pools := []Pool{
		primary,
		&fakePool{name: "replica1", role: registry.RoleReplica, capacity: 10},
		&fakePool{name: "replica2", role: registry.RoleReplica, capacity: 10},
	}
	view := allHealthy()

	b, err := New(StrategyPrimaryPreferred, pools, view)
	require.NoError(t, err)

	for range 3 {
		p, err := b.Pick()
		require.NoError(t, err)
		assert.Equal(t, "main", p.Name())
	}

	// A saturated primary pushes reads to the replicas.
	primary.borrowed = primary.capacity
	var picks []string
	for range 2 {
		p, err := b.Pick()
		require.NoError(t, err)
		picks = append(picks, p.Name())
	}
	assert.ElementsMatch(t, []string{"replica1", "replica2"}, picks)

	// Same when the primary is unhealthy.
	primary.borrowed = 0
	view["main"] = false
	p, err := b.Pick()
	require.NoError(t, err)
	assert.NotEqual(t, "main", p.Name())

	view["replica1"] = false
	view["replica2"] = false
	_, err = b.Pick()
	assert.ErrorIs(t, err, ErrNoHealthyPool)
}
