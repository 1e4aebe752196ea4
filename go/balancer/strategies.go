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
	"sync/atomic"

	"github.com/multigres/pgdal/go/pools/registry"
)

// Built-in strategy names.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyPrimaryPreferred = "primary_preferred"
)

func init() {
	Register(StrategyRoundRobin, func() Strategy { return &roundRobin{} })
	Register(StrategyLeastConnections, func() Strategy { return &leastConnections{} })
	Register(StrategyPrimaryPreferred, func() Strategy { return &primaryPreferred{} })
}

// roundRobin advances an atomic counter over the candidate list and
// takes the first usable pool it lands on. The scan is bounded to one
// lap, so an all-down list fails instead of spinning.
type roundRobin struct {
	next atomic.Uint64
}

var _ Strategy = (*roundRobin)(nil)

func (r *roundRobin) Choose(candidates []Pool, usable func(Pool) bool) (Pool, bool) {
	n := uint64(len(candidates))
	if n == 0 {
		return nil, false
	}
	start := r.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		p := candidates[(start+i)%n]
		if usable(p) {
			return p, true
		}
	}
	return nil, false
}

// leastConnections picks the usable pool with the fewest connections
// checked out right now. Ties go to the earliest candidate.
type leastConnections struct{}

var _ Strategy = (*leastConnections)(nil)

func (leastConnections) Choose(candidates []Pool, usable func(Pool) bool) (Pool, bool) {
	var best Pool
	var bestBorrowed int64
	for _, p := range candidates {
		if !usable(p) {
			continue
		}
		borrowed := p.Stats().Borrowed
		if best == nil || borrowed < bestBorrowed {
			best = p
			bestBorrowed = borrowed
		}
	}
	return best, best != nil
}

// primaryPreferred sends reads to the primary while it is usable and
// has spare capacity, and falls back to round-robin over the replicas
// when it is down or saturated.
type primaryPreferred struct {
	replicas roundRobin
}

var _ Strategy = (*primaryPreferred)(nil)

func (s *primaryPreferred) Choose(candidates []Pool, usable func(Pool) bool) (Pool, bool) {
	var replicas []Pool
	for _, p := range candidates {
		if p.Role() != registry.RolePrimary {
			replicas = append(replicas, p)
			continue
		}
		if usable(p) && p.Stats().Borrowed < p.Capacity() {
			return p, true
		}
	}
	return s.replicas.Choose(replicas, usable)
}
