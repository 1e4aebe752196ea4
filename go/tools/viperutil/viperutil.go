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

// Package viperutil provides typed, registry-scoped configuration values
// backed by viper. Each service owns an isolated Registry instead of
// sharing process-global viper state; individual settings are declared
// once with Configure and read through Value handles.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	capacity := viperutil.Configure(reg, "pool.capacity", viperutil.Options[int64]{
//	    Default:  100,
//	    FlagName: "pool-capacity",
//	})
package viperutil

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registry holds an isolated viper instance and the dynamic values
// registered against it. Values registered as dynamic are re-read when
// a watched config file changes; all other values keep the result of
// the initial load for the lifetime of the process.
type Registry struct {
	v *viper.Viper

	mu       sync.Mutex
	dynamic  []refreshable
	onReload []func()
}

// NewRegistry creates an isolated configuration registry.
func NewRegistry() *Registry {
	return &Registry{v: viper.New()}
}

// LoadConfigFile reads the given config file into the registry.
// An empty path is a no-op so callers can pass the flag value through.
func (reg *Registry) LoadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	reg.v.SetConfigFile(path)
	if err := reg.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	return nil
}

// Watch starts watching the loaded config file for changes. On every
// change the registry re-reads its dynamic values. Static values are
// unaffected. Watch is a no-op if no config file was loaded.
func (reg *Registry) Watch(logger *slog.Logger) {
	if reg.v.ConfigFileUsed() == "" {
		return
	}
	reg.v.OnConfigChange(func(in fsnotify.Event) {
		logger.Info("config file changed, reloading dynamic values",
			"file", in.Name, "op", in.Op.String())
		reg.refreshDynamic()
	})
	reg.v.WatchConfig()
}

// OnReload registers a callback to run after the registry's dynamic
// values have been refreshed from a config file change. Callbacks run
// on the watcher goroutine and should be quick.
func (reg *Registry) OnReload(f func()) {
	reg.mu.Lock()
	reg.onReload = append(reg.onReload, f)
	reg.mu.Unlock()
}

func (reg *Registry) refreshDynamic() {
	reg.mu.Lock()
	vals := make([]refreshable, len(reg.dynamic))
	copy(vals, reg.dynamic)
	callbacks := make([]func(), len(reg.onReload))
	copy(callbacks, reg.onReload)
	reg.mu.Unlock()

	for _, val := range vals {
		val.refresh()
	}
	for _, f := range callbacks {
		f()
	}
}

func (reg *Registry) registerDynamic(val refreshable) {
	reg.mu.Lock()
	reg.dynamic = append(reg.dynamic, val)
	reg.mu.Unlock()
}

// AllSettings returns a merged view of every setting the registry
// currently knows about: defaults, config file contents, bound env
// vars, and bound flags. Meant for debug surfaces, not hot paths.
func (reg *Registry) AllSettings() map[string]any {
	return reg.v.AllSettings()
}

// Unmarshal decodes the registry's entire merged configuration into out
// using mapstructure tags. Keys the target struct does not declare are
// ignored, so a config file can carry sections for several components.
func Unmarshal[T any](reg *Registry, out *T) error {
	if err := decode(reg.v.AllSettings(), out); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// UnmarshalKey decodes a structured section of the registry's config
// (such as a list of pool definitions) into out using mapstructure tags.
func UnmarshalKey[T any](reg *Registry, key string, out *T) error {
	raw := reg.v.Get(key)
	if raw == nil {
		return nil
	}
	if err := decode(raw, out); err != nil {
		return fmt.Errorf("decoding config key %q: %w", key, err)
	}
	return nil
}

// Options declares a single configuration value.
type Options[T any] struct {
	// Default is returned when neither config file, env, nor flag set
	// the value.
	Default T

	// FlagName is the pflag name bound to this value by BindFlags.
	// Empty means the value has no flag.
	FlagName string

	// EnvVars are environment variable names bound to this value.
	EnvVars []string

	// Dynamic marks the value as re-readable on config file changes.
	Dynamic bool
}

// Value is a typed handle on one configuration key.
type Value[T any] interface {
	Bindable

	// Get returns the current value.
	Get() T

	// Default returns the declared default.
	Default() T

	// Set overrides the value in the registry. Mainly for tests.
	Set(v T)
}

// Bindable is the non-generic surface BindFlags needs.
type Bindable interface {
	Key() string
	FlagName() string
	bind(fs *pflag.FlagSet) error
}

// refreshable lets the registry re-read dynamic values without knowing
// their type parameter.
type refreshable interface {
	refresh()
}

// Configure declares a configuration value on the registry and returns
// its typed handle. The default and env bindings take effect
// immediately; flag binding happens later via BindFlags.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = reg.v.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}

	val := &value[T]{
		reg:      reg,
		key:      key,
		def:      opts.Default,
		flagName: opts.FlagName,
		dynamic:  opts.Dynamic,
	}
	if opts.Dynamic {
		reg.registerDynamic(val)
	}
	return val
}

// BindFlags binds each value's flag on the given FlagSet into its
// registry. Call after registering the flags themselves. Panics on a
// binding error, which represents a coding error (unregistered flag).
func BindFlags(fs *pflag.FlagSet, values ...Bindable) {
	for _, val := range values {
		if err := val.bind(fs); err != nil {
			panic(fmt.Sprintf("viperutil: binding flag for %q: %v", val.Key(), err))
		}
	}
}

type value[T any] struct {
	reg      *Registry
	key      string
	def      T
	flagName string
	dynamic  bool

	mu     sync.RWMutex
	cached *T
}

func (val *value[T]) Key() string      { return val.key }
func (val *value[T]) FlagName() string { return val.flagName }
func (val *value[T]) Default() T       { return val.def }

func (val *value[T]) Get() T {
	val.mu.RLock()
	cached := val.cached
	val.mu.RUnlock()
	if cached != nil {
		return *cached
	}
	return val.load()
}

func (val *value[T]) Set(v T) {
	val.reg.v.Set(val.key, v)
	if val.dynamic {
		val.refresh()
	}
}

func (val *value[T]) bind(fs *pflag.FlagSet) error {
	if val.flagName == "" {
		return nil
	}
	flag := fs.Lookup(val.flagName)
	if flag == nil {
		return fmt.Errorf("flag %q is not registered", val.flagName)
	}
	return val.reg.v.BindPFlag(val.key, flag)
}

func (val *value[T]) load() T {
	raw := val.reg.v.Get(val.key)
	if raw == nil {
		return val.def
	}
	var out T
	if err := decode(raw, &out); err != nil {
		return val.def
	}
	return out
}

func (val *value[T]) refresh() {
	v := val.load()
	val.mu.Lock()
	val.cached = &v
	val.mu.Unlock()
}

// decode converts viper's raw representation into the target type,
// tolerating the string forms that config files and env vars produce.
func decode[T any](raw any, out *T) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
