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

// Package balancer decides which pool serves a read. Strategies are
// registered by name and resolved once when the balancer is built, so
// the request path never does string dispatch. Selection always skips
// pools the health view reports down; only when every candidate is
// down does a pick fail.
package balancer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/multigres/pgdal/go/pools/connpool"
	"github.com/multigres/pgdal/go/pools/registry"
)

// ErrNoHealthyPool is returned when every candidate pool is unhealthy
// or excluded.
var ErrNoHealthyPool = errors.New("no healthy pool available")

// Pool is what a strategy needs to know about one candidate.
// *registry.Pool satisfies it; tests substitute fakes.
type Pool interface {
	Name() string
	Role() registry.Role
	Stats() connpool.PoolStats
	Capacity() int64
}

var _ Pool = (*registry.Pool)(nil)

// HealthView is the liveness view selection consults.
type HealthView interface {
	IsHealthy(pool string) bool
}

// Strategy picks one pool from the candidates. usable reports whether
// a candidate may be selected; Choose returns false only when no
// candidate qualifies.
type Strategy interface {
	Choose(candidates []Pool, usable func(Pool) bool) (Pool, bool)
}

// Factory builds a fresh strategy instance. Strategies may carry state
// (round-robin position), so balancers never share instances.
type Factory func() Strategy

var strategyFactories = make(map[string]Factory)

// Register makes a strategy available under the given name. Built-in
// strategies register themselves; embedders may add their own before
// building a balancer.
func Register(name string, factory Factory) {
	strategyFactories[name] = factory
}

// Available returns the registered strategy names, sorted.
func Available() []string {
	names := make([]string, 0, len(strategyFactories))
	for name := range strategyFactories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Balancer routes reads across a fixed set of pools using one strategy.
type Balancer struct {
	strategy Strategy
	pools    []Pool
	view     HealthView
}

// New resolves the named strategy and builds a balancer over the given
// pools. Unknown strategy names fail here, at configuration time.
func New(strategy string, pools []Pool, view HealthView) (*Balancer, error) {
	factory, ok := strategyFactories[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown load balancing strategy %q, available: %v", strategy, Available())
	}
	return &Balancer{
		strategy: factory(),
		pools:    pools,
		view:     view,
	}, nil
}

// Pick selects the pool for the next read. Pools named in exclude are
// skipped, which lets a caller retry an operation on a different pool
// after a transient failure.
func (b *Balancer) Pick(exclude ...string) (Pool, error) {
	usable := func(p Pool) bool {
		if !b.view.IsHealthy(p.Name()) {
			return false
		}
		return !slices.Contains(exclude, p.Name())
	}
	p, ok := b.strategy.Choose(b.pools, usable)
	if !ok {
		return nil, ErrNoHealthyPool
	}
	return p, nil
}
