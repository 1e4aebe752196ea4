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

package pgdal

import (
	"fmt"
	"slices"
	"time"

	"github.com/multigres/pgdal/go/balancer"
	"github.com/multigres/pgdal/go/dbconn"
	"github.com/multigres/pgdal/go/pools/registry"
)

// defaultAcquireTimeout bounds the wait for a pooled connection when the
// configuration leaves acquireTimeout unset. Acquire waits must never be
// unbounded: a saturated pool would otherwise queue callers forever.
const defaultAcquireTimeout = 5 * time.Second

// PoolConfig describes one named pool.
type PoolConfig struct {
	// ID identifies the pool in routing decisions, logs and metrics.
	ID string `mapstructure:"id"`

	// DSN is the PostgreSQL connection string, keyword/value or URL
	// form. May be empty only when a dial source is injected for the
	// pool.
	DSN string `mapstructure:"dsn"`

	// Role is "primary" or "replica". Exactly one pool must be the
	// primary.
	Role string `mapstructure:"role"`

	// MaxConnections caps open connections for this pool.
	MaxConnections int64 `mapstructure:"maxConnections"`

	// MinConnections is the warm floor the pool keeps open.
	MinConnections int64 `mapstructure:"minConnections"`

	// ConnectTimeout bounds each dial to the backing server.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`

	// IdleTimeout retires connections that sit unused longer than this.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	// MaxLifetime retires connections older than this regardless of use.
	MaxLifetime time.Duration `mapstructure:"maxLifetime"`
}

// CacheConfig sizes the result cache tiers.
type CacheConfig struct {
	// L1MaxEntries bounds the in-process tier. Non-positive selects the
	// cache package default.
	L1MaxEntries int `mapstructure:"l1MaxEntries"`

	// L1TTL caps how long the local tier keeps an entry, whatever the
	// caller asked for.
	L1TTL time.Duration `mapstructure:"l1TTL"`

	// L2TTL is the expiry used when a caller does not pass one.
	L2TTL time.Duration `mapstructure:"l2TTL"`

	// L2Endpoint is the Redis address of the shared tier. Empty runs
	// the cache local-only.
	L2Endpoint string `mapstructure:"l2Endpoint"`
}

// AnalyzerConfig tunes query profiling.
type AnalyzerConfig struct {
	// SlowQueryThreshold marks a statement slow when it runs strictly
	// longer than this.
	SlowQueryThreshold time.Duration `mapstructure:"slowQueryThreshold"`

	// MaxQueryShapes bounds how many distinct shapes are tracked.
	MaxQueryShapes int `mapstructure:"maxQueryShapes"`

	// DefaultLimit is the LIMIT added to unbounded SELECTs by the
	// advisory rewriter.
	DefaultLimit int64 `mapstructure:"defaultLimit"`
}

// HealthConfig tunes background pool probing.
type HealthConfig struct {
	// Interval is the gap between probe rounds.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds one probe.
	Timeout time.Duration `mapstructure:"timeout"`

	// HealthyAfterNSuccesses is how many consecutive probes must pass
	// before a pool that failed one is trusted again.
	HealthyAfterNSuccesses int `mapstructure:"healthyAfterNSuccesses"`
}

// BalancerConfig selects the read routing strategy.
type BalancerConfig struct {
	// Strategy names a registered strategy. Empty selects round_robin.
	Strategy string `mapstructure:"strategy"`
}

// Config is the full configuration of one access layer instance. The
// daemon unmarshals it from the config file; library callers build it
// directly. Zero values select component defaults, so the minimal
// working configuration is a pool list.
type Config struct {
	Pools    []PoolConfig   `mapstructure:"pools"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Health   HealthConfig   `mapstructure:"health"`
	Balancer BalancerConfig `mapstructure:"balancer"`

	// AcquireTimeout bounds how long an operation waits for a pooled
	// connection. Non-positive selects 5s.
	AcquireTimeout time.Duration `mapstructure:"acquireTimeout"`

	// QueryTimeout bounds each statement. Non-positive selects the
	// executor default.
	QueryTimeout time.Duration `mapstructure:"queryTimeout"`
}

// Validate checks the configuration and names the offending field in
// every error. New calls it on construction; the daemon also calls it
// before applying a reloaded file, so a bad edit is rejected without
// touching the running instance.
func (c *Config) Validate() error {
	return c.validate(nil)
}

// validate is Validate with knowledge of injected dial sources: a pool
// whose source is injected may omit its DSN.
func (c *Config) validate(sources map[string]*dbconn.Source) error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("pools: at least one pool is required")
	}
	primaries := 0
	seen := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		field := func(name string) string {
			return fmt.Sprintf("pools[%d].%s", i, name)
		}
		if p.ID == "" {
			return fmt.Errorf("%s: pool id cannot be empty", field("id"))
		}
		if seen[p.ID] {
			return fmt.Errorf("%s: duplicate pool id %q", field("id"), p.ID)
		}
		seen[p.ID] = true
		if p.DSN == "" && sources[p.ID] == nil {
			return fmt.Errorf("%s: dsn cannot be empty", field("dsn"))
		}
		role, err := registry.ParseRole(p.Role)
		if err != nil {
			return fmt.Errorf("%s: %w", field("role"), err)
		}
		if role == registry.RolePrimary {
			primaries++
		}
		if p.MaxConnections <= 0 {
			return fmt.Errorf("%s: must be positive", field("maxConnections"))
		}
		if p.MinConnections < 0 || p.MinConnections > p.MaxConnections {
			return fmt.Errorf("%s: must be between 0 and maxConnections", field("minConnections"))
		}
	}
	if primaries != 1 {
		return fmt.Errorf("pools: exactly one primary is required, found %d", primaries)
	}
	if s := c.Balancer.Strategy; s != "" && !slices.Contains(balancer.Available(), s) {
		return fmt.Errorf("balancer.strategy: unknown strategy %q, available: %v", s, balancer.Available())
	}
	if c.Cache.L1MaxEntries < 0 {
		return fmt.Errorf("cache.l1MaxEntries: cannot be negative")
	}
	if c.Analyzer.SlowQueryThreshold < 0 {
		return fmt.Errorf("analyzer.slowQueryThreshold: cannot be negative")
	}
	return nil
}

// registryConfigs maps the public pool configuration onto the registry's
// form, applying the instance-wide acquire timeout and any injected dial
// sources.
func (c *Config) registryConfigs(sources map[string]*dbconn.Source) []registry.PoolConfig {
	acquireTimeout := c.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	configs := make([]registry.PoolConfig, 0, len(c.Pools))
	for _, p := range c.Pools {
		configs = append(configs, registry.PoolConfig{
			Name:           p.ID,
			DSN:            p.DSN,
			Role:           registry.Role(p.Role),
			MaxConnections: p.MaxConnections,
			MinConnections: p.MinConnections,
			AcquireTimeout: acquireTimeout,
			IdleTimeout:    p.IdleTimeout,
			MaxLifetime:    p.MaxLifetime,
			ConnectTimeout: p.ConnectTimeout,
			Source:         sources[p.ID],
		})
	}
	return configs
}
