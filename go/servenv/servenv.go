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

// Package servenv manages the environment of a long-running server
// process: flag and config plumbing, structured logging, an internal
// HTTP mux, pprof profiling, and ordered lifecycle hooks covering
// init, run, termination, and close.
//
// A binary creates one ServEnv, registers its flags and hooks, calls
// Init after flag parsing, and hands control to Run, which blocks
// until the process receives SIGTERM or SIGINT and then drives the
// graceful shutdown sequence.
package servenv

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/multigres/pgdal/go/tools/event"
	"github.com/multigres/pgdal/go/tools/viperutil"
)

// ServEnv holds the configuration and state of one server process.
type ServEnv struct {
	reg *viperutil.Registry

	httpPort       viperutil.Value[int]
	bindAddress    viperutil.Value[string]
	lameduckPeriod viperutil.Value[time.Duration]
	onTermTimeout  viperutil.Value[time.Duration]
	onCloseTimeout viperutil.Value[time.Duration]
	pidFile        viperutil.Value[string]
	configFile     viperutil.Value[string]
	httpPprof      viperutil.Value[bool]
	pprofFlag      viperutil.Value[[]string]

	maxStackSize int

	onInitHooks     event.Hooks
	onTermHooks     event.Hooks
	onTermSyncHooks event.Hooks
	onRunHooks      event.Hooks
	onRunEHooks     event.ErrorHooks
	onCloseHooks    event.Hooks

	mu            sync.Mutex
	inited        bool
	initStartTime time.Time
	listeningAddr string

	mux *http.ServeMux
	// exitChan receives the signal that tells the process to terminate.
	exitChan chan os.Signal
	lg       *Logger
}

// New creates a ServEnv whose settings live on the given registry.
func New(reg *viperutil.Registry) *ServEnv {
	return &ServEnv{
		reg: reg,
		httpPort: viperutil.Configure(reg, "http-port", viperutil.Options[int]{
			Default:  0,
			FlagName: "http-port",
		}),
		bindAddress: viperutil.Configure(reg, "bind-address", viperutil.Options[string]{
			Default:  "",
			FlagName: "bind-address",
		}),
		lameduckPeriod: viperutil.Configure(reg, "lameduck-period", viperutil.Options[time.Duration]{
			Default:  50 * time.Millisecond,
			FlagName: "lameduck-period",
		}),
		onTermTimeout: viperutil.Configure(reg, "onterm-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "onterm-timeout",
		}),
		onCloseTimeout: viperutil.Configure(reg, "onclose-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "onclose-timeout",
		}),
		pidFile: viperutil.Configure(reg, "pid-file", viperutil.Options[string]{
			Default:  "",
			FlagName: "pid-file",
		}),
		configFile: viperutil.Configure(reg, "config-file", viperutil.Options[string]{
			Default:  "",
			FlagName: "config-file",
		}),
		httpPprof: viperutil.Configure(reg, "pprof-http", viperutil.Options[bool]{
			Default:  false,
			FlagName: "pprof-http",
		}),
		pprofFlag: viperutil.Configure(reg, "pprof", viperutil.Options[[]string]{
			Default:  []string{},
			FlagName: "pprof",
		}),
		maxStackSize: 64 * 1024 * 1024,
		mux:          http.NewServeMux(),
		exitChan:     make(chan os.Signal, 1),
		lg:           NewLogger(reg),
	}
}

// RegisterFlags registers every servenv flag, including the logging
// flags, on the given FlagSet.
func (sv *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	sv.registerFlags(fs, true)
}

// RegisterFlagsWithoutLogger registers servenv flags but skips the
// logging flags. Use this when the logging flags are managed
// externally, for example as persistent flags on a root command.
func (sv *ServEnv) RegisterFlagsWithoutLogger(fs *pflag.FlagSet) {
	sv.registerFlags(fs, false)
}

func (sv *ServEnv) registerFlags(fs *pflag.FlagSet, includeLogger bool) {
	fs.Int("http-port", sv.httpPort.Default(), "HTTP port for the status server")
	fs.String("bind-address", sv.bindAddress.Default(), "Bind address for the server. If empty, the server will listen on all available unicast and anycast IP addresses of the local system.")
	fs.Bool("pprof-http", sv.httpPprof.Default(), "enable pprof http endpoints")
	fs.StringSlice("pprof", sv.pprofFlag.Default(), "enable profiling")

	fs.Duration("lameduck-period", sv.lameduckPeriod.Default(), "keep running at least this long after SIGTERM before stopping")
	fs.Duration("onterm-timeout", sv.onTermTimeout.Default(), "wait no more than this for OnTermSync handlers before stopping")
	fs.Duration("onclose-timeout", sv.onCloseTimeout.Default(), "wait no more than this for OnClose handlers before stopping")
	fs.String("pid-file", sv.pidFile.Default(), "If set, the process will write its pid to the named file, and delete it on graceful shutdown.")
	fs.String("config-file", sv.configFile.Default(), "If set, load configuration from the named file and watch it for changes.")

	viperutil.BindFlags(fs,
		sv.httpPort, sv.bindAddress, sv.lameduckPeriod, sv.onTermTimeout,
		sv.onCloseTimeout, sv.pidFile, sv.configFile, sv.httpPprof, sv.pprofFlag)

	if includeLogger {
		sv.lg.RegisterFlags(fs)
	}
}

// CobraPreRunE loads the configured config file into the registry and
// starts watching it for changes. It matches the signature of cobra's
// (Pre|Post)RunE-type functions.
func (sv *ServEnv) CobraPreRunE(cmd *cobra.Command) error {
	if err := sv.reg.LoadConfigFile(sv.configFile.Get()); err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	sv.reg.Watch(sv.GetLogger())
	return nil
}

// GetHTTPPort returns the HTTP port value.
func (sv *ServEnv) GetHTTPPort() int {
	return sv.httpPort.Get()
}

// GetBindAddress returns the bind address value.
func (sv *ServEnv) GetBindAddress() string {
	return sv.bindAddress.Get()
}

// GetInitStartTime returns the time Init was called.
func (sv *ServEnv) GetInitStartTime() time.Time {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.initStartTime
}

// Registry returns the configuration registry backing this environment.
func (sv *ServEnv) Registry() *viperutil.Registry {
	return sv.reg
}

// ListeningAddr returns the address the HTTP listener is bound to, or
// the empty string when the server is not running. With an http-port
// of 0 this is the only way to learn the allocated port.
func (sv *ServEnv) ListeningAddr() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.listeningAddr
}

func (sv *ServEnv) setListeningAddr(addr string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.listeningAddr = addr
}

// OnInit registers f to be run at the beginning of the app lifecycle.
func (sv *ServEnv) OnInit(f func()) {
	sv.onInitHooks.Add(f)
}

// OnTerm registers a function to be run when the process receives a
// SIGTERM. The process does not wait for these to finish before
// shutting down, so they should run quickly.
func (sv *ServEnv) OnTerm(f func()) {
	sv.onTermHooks.Add(f)
}

// OnTermSync registers a function to be run when the process receives
// SIGTERM. The process waits for these to finish, up to
// onterm-timeout, before continuing the shutdown.
func (sv *ServEnv) OnTermSync(f func()) {
	sv.onTermSyncHooks.Add(f)
}

// OnRun registers f to be run right at the beginning of Run.
func (sv *ServEnv) OnRun(f func()) {
	sv.onRunHooks.Add(f)
}

// OnRunE registers an error-returning function to be run right at the
// beginning of Run. A returned error aborts Run before the listener
// is opened.
func (sv *ServEnv) OnRunE(f func() error) {
	sv.onRunEHooks.Add(f)
}

// OnClose registers f to be run at the end of the app lifecycle, after
// the lameduck period, just before the process exits. All hooks are
// run in parallel.
func (sv *ServEnv) OnClose(f func()) {
	sv.onCloseHooks.Add(f)
}

// FireRunHooks fires the hooks registered by OnRun and OnRunE. The
// returned error joins every failing OnRunE hook.
func (sv *ServEnv) FireRunHooks() error {
	sv.onRunHooks.Fire()
	return sv.onRunEHooks.Fire()
}

// fireOnTermSyncHooks returns true iff all the hooks finish before the timeout.
func (sv *ServEnv) fireOnTermSyncHooks(timeout time.Duration) bool {
	return sv.fireHooksWithTimeout(timeout, "OnTermSync", sv.onTermSyncHooks.Fire)
}

// fireOnCloseHooks returns true iff all the hooks finish before the timeout.
func (sv *ServEnv) fireOnCloseHooks(timeout time.Duration) bool {
	return sv.fireHooksWithTimeout(timeout, "OnClose", sv.onCloseHooks.Fire)
}

// fireHooksWithTimeout returns true iff all the hooks finish before the timeout.
func (sv *ServEnv) fireHooksWithTimeout(timeout time.Duration, name string, hookFn func()) bool {
	slog.Info("Firing hooks and waiting for them", "name", name, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		hookFn()
		close(done)
	}()

	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s hooks finished", name))
		return true
	case <-timer.C:
		slog.Info(fmt.Sprintf("%s hooks timed out", name))
		return false
	}
}
