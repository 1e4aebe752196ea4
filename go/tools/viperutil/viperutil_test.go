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

package viperutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndFlags(t *testing.T) {
	reg := NewRegistry()

	capacity := Configure(reg, "pool.capacity", Options[int64]{
		Default:  100,
		FlagName: "pool-capacity",
	})
	timeout := Configure(reg, "pool.acquire-timeout", Options[time.Duration]{
		Default:  30 * time.Second,
		FlagName: "pool-acquire-timeout",
	})

	// Defaults before any flag parsing.
	assert.Equal(t, int64(100), capacity.Get())
	assert.Equal(t, 30*time.Second, timeout.Get())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int64("pool-capacity", capacity.Default(), "")
	fs.Duration("pool-acquire-timeout", timeout.Default(), "")
	BindFlags(fs, capacity, timeout)

	require.NoError(t, fs.Parse([]string{"--pool-capacity=7", "--pool-acquire-timeout=250ms"}))

	assert.Equal(t, int64(7), capacity.Get())
	assert.Equal(t, 250*time.Millisecond, timeout.Get())
}

func TestConfigFileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgdal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("analyzer:\n  slow-query-threshold: 150ms\n"), 0o644))

	reg := NewRegistry()
	threshold := Configure(reg, "analyzer.slow-query-threshold", Options[time.Duration]{
		Default: time.Second,
	})

	require.NoError(t, reg.LoadConfigFile(path))
	assert.Equal(t, 150*time.Millisecond, threshold.Get())
}

func TestLoadConfigFileMissing(t *testing.T) {
	reg := NewRegistry()
	err := reg.LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	// An empty path must be a silent no-op.
	require.NoError(t, reg.LoadConfigFile(""))
}

func TestEnvBinding(t *testing.T) {
	t.Setenv("PGDAL_TEST_L2_ENDPOINT", "redis-test:6379")

	reg := NewRegistry()
	endpoint := Configure(reg, "cache.l2-endpoint", Options[string]{
		Default: "",
		EnvVars: []string{"PGDAL_TEST_L2_ENDPOINT"},
	})

	assert.Equal(t, "redis-test:6379", endpoint.Get())
}

func TestDynamicValueRefresh(t *testing.T) {
	reg := NewRegistry()
	threshold := Configure(reg, "analyzer.slow-query-threshold", Options[time.Duration]{
		Default: time.Second,
		Dynamic: true,
	})

	assert.Equal(t, time.Second, threshold.Get())

	// Set refreshes dynamic values immediately.
	threshold.Set(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, threshold.Get())

	// A registry-wide refresh keeps the current backing value.
	reg.refreshDynamic()
	assert.Equal(t, 50*time.Millisecond, threshold.Get())
}

func TestUnmarshalKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgdal.yaml")
	cfg := `pools:
  - id: primary
    dsn: postgres://localhost:5432/app
    role: primary
    max-connections: 10
  - id: replica-1
    dsn: postgres://replica:5432/app
    role: replica
    max-connections: 20
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	reg := NewRegistry()
	require.NoError(t, reg.LoadConfigFile(path))

	type poolConfig struct {
		ID             string `mapstructure:"id"`
		DSN            string `mapstructure:"dsn"`
		Role           string `mapstructure:"role"`
		MaxConnections int    `mapstructure:"max-connections"`
	}
	var pools []poolConfig
	require.NoError(t, UnmarshalKey(reg, "pools", &pools))

	require.Len(t, pools, 2)
	assert.Equal(t, "primary", pools[0].ID)
	assert.Equal(t, 10, pools[0].MaxConnections)
	assert.Equal(t, "replica", pools[1].Role)
}

func TestUnmarshalKeyAbsent(t *testing.T) {
	reg := NewRegistry()
	var pools []struct{}
	require.NoError(t, UnmarshalKey(reg, "pools", &pools))
	assert.Empty(t, pools)
}

func TestUnmarshal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgdal.yaml")
	cfg := `cache:
  l1MaxEntries: 512
  l1TTL: 30s
acquireTimeout: 2s
unrelated-section:
  ignored: true
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	reg := NewRegistry()
	// Defaults merge underneath file contents.
	Configure(reg, "queryTimeout", Options[time.Duration]{Default: 10 * time.Second})
	require.NoError(t, reg.LoadConfigFile(path))

	type cacheConfig struct {
		L1MaxEntries int           `mapstructure:"l1MaxEntries"`
		L1TTL        time.Duration `mapstructure:"l1TTL"`
	}
	type config struct {
		Cache          cacheConfig   `mapstructure:"cache"`
		AcquireTimeout time.Duration `mapstructure:"acquireTimeout"`
		QueryTimeout   time.Duration `mapstructure:"queryTimeout"`
	}
	var out config
	require.NoError(t, Unmarshal(reg, &out))

	assert.Equal(t, 512, out.Cache.L1MaxEntries)
	assert.Equal(t, 30*time.Second, out.Cache.L1TTL)
	assert.Equal(t, 2*time.Second, out.AcquireTimeout)
	assert.Equal(t, 10*time.Second, out.QueryTimeout)
}

func TestOnReload(t *testing.T) {
	reg := NewRegistry()
	threshold := Configure(reg, "analyzer.slow-query-threshold", Options[time.Duration]{
		Default: time.Second,
		Dynamic: true,
	})

	var observed time.Duration
	fired := 0
	reg.OnReload(func() {
		fired++
		observed = threshold.Get()
	})

	threshold.Set(75 * time.Millisecond)
	reg.refreshDynamic()

	// Callbacks run after the dynamic values have been refreshed.
	assert.Equal(t, 1, fired)
	assert.Equal(t, 75*time.Millisecond, observed)
}
