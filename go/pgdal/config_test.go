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
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgdal/go/dbconn"
	"github.com/multigres/pgdal/go/pools/registry"
)

func validConfig() Config {
	return Config{
		Pools: []PoolConfig{
			{ID: "main", DSN: "postgres://app@db-1/orders", Role: "primary", MaxConnections: 10},
			{ID: "replica-1", DSN: "postgres://app@db-2/orders", Role: "replica", MaxConnections: 10},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no pools",
			mutate:  func(c *Config) { c.Pools = nil },
			wantErr: "pools: at least one pool",
		},
		{
			name:    "empty id",
			mutate:  func(c *Config) { c.Pools[0].ID = "" },
			wantErr: "pools[0].id",
		},
		{
			name:    "duplicate id",
			mutate:  func(c *Config) { c.Pools[1].ID = "main" },
			wantErr: "pools[1].id: duplicate pool id",
		},
		{
			name:    "empty dsn",
			mutate:  func(c *Config) { c.Pools[1].DSN = "" },
			wantErr: "pools[1].dsn",
		},
		{
			name:    "bad role",
			mutate:  func(c *Config) { c.Pools[0].Role = "leader" },
			wantErr: "pools[0].role",
		},
		{
			name:    "two primaries",
			mutate:  func(c *Config) { c.Pools[1].Role = "primary" },
			wantErr: "exactly one primary is required, found 2",
		},
		{
			name:    "no primary",
			mutate:  func(c *Config) { c.Pools[0].Role = "replica" },
			wantErr: "exactly one primary is required, found 0",
		},
		{
			name:    "zero max connections",
			mutate:  func(c *Config) { c.Pools[0].MaxConnections = 0 },
			wantErr: "pools[0].maxConnections",
		},
		{
			name:    "min above max",
			mutate:  func(c *Config) { c.Pools[0].MinConnections = 11 },
			wantErr: "pools[0].minConnections",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Balancer.Strategy = "fastest" },
			wantErr: `balancer.strategy: unknown strategy "fastest"`,
		},
		{
			name:    "negative l1 bound",
			mutate:  func(c *Config) { c.Cache.L1MaxEntries = -1 },
			wantErr: "cache.l1MaxEntries",
		},
		{
			name:    "negative slow threshold",
			mutate:  func(c *Config) { c.Analyzer.SlowQueryThreshold = -time.Second },
			wantErr: "analyzer.slowQueryThreshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateKnownStrategies(t *testing.T) {
	for _, strategy := range []string{"", "round_robin", "least_connections", "primary_preferred"} {
		cfg := validConfig()
		cfg.Balancer.Strategy = strategy
		assert.NoError(t, cfg.Validate(), "strategy %q", strategy)
	}
}

func TestValidateAllowsInjectedSourceWithoutDSN(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := validConfig()
	cfg.Pools[0].DSN = ""

	require.Error(t, cfg.Validate())
	assert.NoError(t, cfg.validate(map[string]*dbconn.Source{
		"main": dbconn.NewSourceForDB("main", db),
	}))
}

func TestRegistryConfigs(t *testing.T) {
	cfg := validConfig()
	cfg.Pools[0].MinConnections = 2
	cfg.Pools[0].IdleTimeout = time.Minute
	cfg.AcquireTimeout = 2 * time.Second

	configs := cfg.registryConfigs(nil)
	require.Len(t, configs, 2)

	assert.Equal(t, "main", configs[0].Name)
	assert.Equal(t, registry.RolePrimary, configs[0].Role)
	assert.Equal(t, int64(2), configs[0].MinConnections)
	assert.Equal(t, time.Minute, configs[0].IdleTimeout)
	assert.Equal(t, registry.RoleReplica, configs[1].Role)

	// The instance-wide acquire timeout reaches every pool.
	for _, pc := range configs {
		assert.Equal(t, 2*time.Second, pc.AcquireTimeout)
	}
}

func TestRegistryConfigsDefaultAcquireTimeout(t *testing.T) {
	cfg := validConfig()
	for _, pc := range cfg.registryConfigs(nil) {
		assert.Equal(t, defaultAcquireTimeout, pc.AcquireTimeout)
	}
}
