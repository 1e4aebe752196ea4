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

// Package registry owns the named connection pools of one deployment.
// It validates the pool topology at startup (exactly one primary, any
// number of replicas, parseable DSNs), opens a bounded pool per entry,
// and hands out connections as leases with exactly-once release.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/multigres/pgdal/go/dbconn"
	"github.com/multigres/pgdal/go/dberr"
	"github.com/multigres/pgdal/go/pools/connpool"
)

// ErrUnknownPool is returned when acquiring from a pool name that was
// never configured.
var ErrUnknownPool = errors.New("unknown pool")

// Role says which side of replication a pool points at.
type Role string

const (
	// RolePrimary is the single writable endpoint.
	RolePrimary Role = "primary"

	// RoleReplica is a read-only endpoint.
	RoleReplica Role = "replica"
)

// ParseRole validates a role string from configuration.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePrimary, RoleReplica:
		return Role(s), nil
	default:
		return "", fmt.Errorf("invalid pool role %q (want primary or replica)", s)
	}
}

// PoolConfig describes one named pool.
type PoolConfig struct {
	// Name identifies the pool in routing, logs and metrics.
	Name string `mapstructure:"name"`

	// DSN is the PostgreSQL connection string, keyword/value or URL form.
	DSN string `mapstructure:"dsn"`

	// Role is "primary" or "replica".
	Role Role `mapstructure:"role"`

	// MaxConnections caps open connections for this pool.
	MaxConnections int64 `mapstructure:"maxConnections"`

	// MinConnections is the warm floor kept open by the pool.
	MinConnections int64 `mapstructure:"minConnections"`

	// AcquireTimeout bounds how long Acquire waits for a free
	// connection. 0 means wait as long as the caller's context allows.
	AcquireTimeout time.Duration `mapstructure:"acquireTimeout"`

	// IdleTimeout retires connections idle longer than this.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	// MaxLifetime retires connections older than this.
	MaxLifetime time.Duration `mapstructure:"maxLifetime"`

	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`

	// Source overrides DSN-based dialing when set, for embedders that
	// manage their own database handle. The registry takes ownership
	// and closes it on shutdown.
	Source *dbconn.Source `mapstructure:"-"`
}

func (c *PoolConfig) validate() error {
	if c.Name == "" {
		return errors.New("pool name cannot be empty")
	}
	if c.DSN == "" && c.Source == nil {
		return fmt.Errorf("pool %s: dsn cannot be empty", c.Name)
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return fmt.Errorf("pool %s: %w", c.Name, err)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("pool %s: maxConnections must be positive", c.Name)
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return fmt.Errorf("pool %s: minConnections must be between 0 and maxConnections", c.Name)
	}
	return nil
}

// Pool is one named pool: its dial source, its bounded connection pool
// and its routing role.
type Pool struct {
	name           string
	role           Role
	source         *dbconn.Source
	pool           *connpool.Pool[*dbconn.Conn]
	acquireTimeout time.Duration
}

// Name returns the configured pool name.
func (p *Pool) Name() string {
	return p.name
}

// Role returns the pool's replication role.
func (p *Pool) Role() Role {
	return p.role
}

// Ping checks that the pool's endpoint answers, without consuming a
// pooled connection. Health probing is built on this.
func (p *Pool) Ping(ctx context.Context) error {
	return p.source.Ping(ctx)
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() connpool.PoolStats {
	return p.pool.Stats()
}

// Metrics returns the pool's cumulative counters.
func (p *Pool) Metrics() *connpool.PoolMetrics {
	return &p.pool.Metrics
}

// Capacity returns the pool's maximum open connections.
func (p *Pool) Capacity() int64 {
	return p.pool.Capacity()
}

// Registry is the set of pools for one deployment. The topology is
// immutable after New; only occupancy changes at runtime.
type Registry struct {
	logger *slog.Logger

	pools    map[string]*Pool
	order    []string
	primary  *Pool
	replicas []*Pool

	closed atomic.Bool
}

// New validates the topology and opens every pool. Pool warmup happens
// in the background; a database that is down at startup leaves its pool
// empty until the refill worker gets through.
func New(configs []PoolConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(configs) == 0 {
		return nil, errors.New("at least one pool must be configured")
	}

	r := &Registry{
		logger: logger,
		pools:  make(map[string]*Pool, len(configs)),
	}

	var sources []*dbconn.Source
	closeSources := func() {
		for _, s := range sources {
			s.Close()
		}
	}

	for i := range configs {
		cfg := &configs[i]
		if err := cfg.validate(); err != nil {
			closeSources()
			return nil, err
		}
		if _, dup := r.pools[cfg.Name]; dup {
			closeSources()
			return nil, fmt.Errorf("duplicate pool name %q", cfg.Name)
		}
		if cfg.Role == RolePrimary && r.primary != nil {
			closeSources()
			return nil, fmt.Errorf("multiple primary pools (%s and %s); exactly one is required",
				r.primary.name, cfg.Name)
		}

		source := cfg.Source
		if source == nil {
			var err error
			source, err = dbconn.NewSource(cfg.Name, cfg.DSN, cfg.ConnectTimeout)
			if err != nil {
				closeSources()
				return nil, err
			}
		}
		sources = append(sources, source)

		p := &Pool{
			name:           cfg.Name,
			role:           cfg.Role,
			source:         source,
			acquireTimeout: cfg.AcquireTimeout,
		}
		p.pool = connpool.NewPool[*dbconn.Conn](&connpool.Config{
			Capacity:    cfg.MaxConnections,
			MinConns:    cfg.MinConnections,
			IdleTimeout: cfg.IdleTimeout,
			MaxLifetime: cfg.MaxLifetime,
		})

		r.pools[cfg.Name] = p
		r.order = append(r.order, cfg.Name)
		if cfg.Role == RolePrimary {
			r.primary = p
		} else {
			r.replicas = append(r.replicas, p)
		}
	}

	if r.primary == nil {
		closeSources()
		return nil, errors.New("no primary pool configured; exactly one is required")
	}

	for _, name := range r.order {
		p := r.pools[name]
		p.pool.Open(context.Background(), p.source.Connect, logger.With("pool", name))
	}

	logger.Info("connection pool registry opened",
		"pools", len(r.pools),
		"primary", r.primary.name,
		"replicas", len(r.replicas),
	)
	return r, nil
}

// Acquire leases a connection from the named pool. The pool's acquire
// timeout bounds the wait; reaching it yields a timeout-coded error.
func (r *Registry) Acquire(ctx context.Context, pool string) (*Lease, error) {
	p, ok := r.pools[pool]
	if !ok {
		return nil, dberr.Connection("acquire connection", pool, ErrUnknownPool)
	}
	if r.closed.Load() {
		return nil, dberr.Connection("acquire connection", pool, connpool.ErrPoolClosed)
	}

	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.pool.Get(ctx)
	if err != nil {
		if errors.Is(err, connpool.ErrTimeout) {
			return nil, dberr.Timeout("acquire connection", err).WithPool(pool)
		}
		return nil, dberr.Connection("acquire connection", pool, err)
	}
	return &Lease{conn: conn, pool: p}, nil
}

// Pool returns the named pool.
func (r *Registry) Pool(name string) (*Pool, bool) {
	p, ok := r.pools[name]
	return p, ok
}

// Pools returns every pool in configuration order.
func (r *Registry) Pools() []*Pool {
	out := make([]*Pool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.pools[name])
	}
	return out
}

// Primary returns the single writable pool.
func (r *Registry) Primary() *Pool {
	return r.primary
}

// Replicas returns the read-only pools in configuration order.
func (r *Registry) Replicas() []*Pool {
	return r.replicas
}

// Stats returns an occupancy snapshot of every pool keyed by name.
func (r *Registry) Stats() map[string]connpool.PoolStats {
	out := make(map[string]connpool.PoolStats, len(r.pools))
	for name, p := range r.pools {
		out[name] = p.Stats()
	}
	return out
}

// Close shuts down every pool and its dial source. Leases still out are
// closed as they are released.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	for _, name := range r.order {
		p := r.pools[name]
		p.pool.Close()
		p.source.Close()
		r.logger.Debug("closed pool", "pool", name)
	}
	r.logger.Info("connection pool registry closed")
}
