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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// pprofInit starts profiling as configured by the --pprof flag and
// installs a SIGUSR1 handler that toggles profiling at runtime.
func (sv *ServEnv) pprofInit() error {
	prof, err := sv.parseProfileFlag(sv.pprofFlag.Get())
	if err != nil {
		return fmt.Errorf("parsing pprof flags: %w", err)
	}
	if prof == nil {
		return nil
	}

	start, stop := prof.init()

	if !prof.waitSig {
		if err := start(); err != nil {
			slog.Error("pprof: failed to start profiling", "err", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)

	go func() {
		for range sigChan {
			if isProfileStarted() {
				stop()
			} else if err := start(); err != nil {
				slog.Error("pprof: failed to start profiling", "err", err)
			}
		}
	}()

	sv.OnTerm(stop)
	return nil
}
