//go:build !windows

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

package servenv

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"syscall"
	"time"
)

// Init is the first phase of server startup. It must be called after
// flags are parsed and before Run: it sets up logging, fires the
// OnInit hooks, writes the pid file, and registers the common HTTP
// endpoints on the internal mux.
func (sv *ServEnv) Init() error {
	sv.mu.Lock()
	if sv.inited {
		sv.mu.Unlock()
		return errors.New("servenv.Init called a second time")
	}
	sv.inited = true
	sv.initStartTime = time.Now()
	sv.mu.Unlock()

	sv.lg.SetupLogging()

	// The fd limit is inherited from the parent; raising it reliably
	// needs root, so just surface what we got for troubleshooting.
	fdLimit := &syscall.Rlimit{}
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, fdLimit); err != nil {
		slog.Error("max-open-fds failed", "err", err)
	} else {
		slog.Debug("file descriptor limit", "cur", fdLimit.Cur, "max", fdLimit.Max)
	}

	// Limit the stack size. We don't need huge stacks and smaller limits mean
	// any infinite recursion fires earlier and on low memory systems avoids
	// out of memory issues in favor of a stack overflow error.
	debug.SetMaxStack(sv.maxStackSize)

	sv.onInitHooks.Fire()
	sv.writePidFile()
	sv.registerCommonHTTPEndpoints()
	sv.HTTPRegisterPprofProfile()
	return sv.pprofInit()
}
