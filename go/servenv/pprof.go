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
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strconv"
	"strings"
	"sync/atomic"
)

type profmode string

const (
	profileCPU       profmode = "cpu"
	profileMemHeap   profmode = "mem_heap"
	profileMemAllocs profmode = "mem_allocs"
	profileMutex     profmode = "mutex"
	profileBlock     profmode = "block"
	profileTrace     profmode = "trace"
	profileThreads   profmode = "threads"
	profileGoroutine profmode = "goroutine"
)

func (p profmode) filename() string {
	return fmt.Sprintf("%s.pprof", string(p))
}

type profile struct {
	mode    profmode
	rate    int
	path    string
	quiet   bool
	waitSig bool
}

// parseProfileFlag turns the --pprof flag value into a profile
// description. The first element selects the mode; the rest are
// key=value options (rate, path, quiet, waitSig).
func (sv *ServEnv) parseProfileFlag(pf []string) (*profile, error) {
	if len(pf) == 0 {
		return nil, nil
	}

	var p profile

	switch pf[0] {
	case "cpu":
		p.mode = profileCPU
	case "mem", "mem=heap":
		p.mode = profileMemHeap
		p.rate = 4096
	case "mem=allocs":
		p.mode = profileMemAllocs
		p.rate = 4096
	case "mutex":
		p.mode = profileMutex
		p.rate = 1
	case "block":
		p.mode = profileBlock
		p.rate = 1
	case "trace":
		p.mode = profileTrace
	case "threads":
		p.mode = profileThreads
	case "goroutine":
		p.mode = profileGoroutine
	default:
		return nil, fmt.Errorf("unknown profile mode: %q", pf[0])
	}

	for _, kv := range pf[1:] {
		var err error
		fields := strings.SplitN(kv, "=", 2)

		switch fields[0] {
		case "rate":
			if len(fields) == 1 {
				return nil, fmt.Errorf("missing value for 'rate'")
			}
			p.rate, err = strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("invalid profile rate %q: %v", fields[1], err)
			}
		case "path":
			if len(fields) == 1 {
				return nil, fmt.Errorf("missing value for 'path'")
			}
			p.path = fields[1]
		case "quiet":
			p.quiet, err = parseBoolOption(fields)
			if err != nil {
				return nil, fmt.Errorf("invalid quiet flag: %v", err)
			}
		case "waitSig":
			p.waitSig, err = parseBoolOption(fields)
			if err != nil {
				return nil, fmt.Errorf("invalid waitSig flag: %v", err)
			}
		default:
			return nil, fmt.Errorf("unknown flag: %q", fields[0])
		}
	}

	return &p, nil
}

// parseBoolOption handles both the bare form ("quiet") and the
// explicit form ("quiet=true").
func parseBoolOption(fields []string) (bool, error) {
	if len(fields) == 1 {
		return true, nil
	}
	return strconv.ParseBool(fields[1])
}

// profileStarted is process-global because the runtime allows only one
// active profile of a given kind at a time.
var profileStarted atomic.Bool

func isProfileStarted() bool {
	return profileStarted.Load()
}

func startCallback(start func() error) func() error {
	return func() error {
		if profileStarted.CompareAndSwap(false, true) {
			return start()
		}
		return fmt.Errorf("profile: Start() already called")
	}
}

func stopCallback(stop func()) func() {
	return func() {
		if profileStarted.CompareAndSwap(true, false) {
			stop()
		}
	}
}

func (prof *profile) mkprofile() (io.WriteCloser, error) {
	var (
		path string
		err  error
		logf = func(format string, args ...any) {}
	)

	if prof.path != "" {
		path = prof.path
		err = os.MkdirAll(path, 0o777)
	} else {
		path, err = os.MkdirTemp("", "profile")
	}
	if err != nil {
		return nil, fmt.Errorf("pprof: could not create output directory: %w", err)
	}

	if !prof.quiet {
		logf = log.Printf
	}

	fn := filepath.Join(path, prof.mode.filename())
	f, err := os.Create(fn)
	if err != nil {
		return nil, fmt.Errorf("pprof: could not create profile %q: %w", fn, err)
	}
	logf("pprof: %s profiling enabled, %s", string(prof.mode), fn)

	return f, nil
}

// writeLookup flushes the named runtime profile to pf.
func writeLookup(name string, pf io.Writer) {
	if lp := pprof.Lookup(name); lp != nil {
		if err := lp.WriteTo(pf, 0); err != nil {
			slog.Error("pprof: could not write profile", "profile", name, "err", err)
		}
	}
}

// init returns a start function that begins the configured profiling
// process and a stop function that must run before process termination
// to flush the profile to disk.
// Based on the profiling code in github.com/pkg/profile
func (prof *profile) init() (start func() error, stop func()) {
	var pf io.WriteCloser

	open := func() error {
		var err error
		pf, err = prof.mkprofile()
		return err
	}

	switch prof.mode {
	case profileCPU:
		start = startCallback(func() error {
			if err := open(); err != nil {
				return err
			}
			if err := pprof.StartCPUProfile(pf); err != nil {
				return fmt.Errorf("pprof: could not start CPU profile: %w", err)
			}
			return nil
		})
		stop = stopCallback(func() {
			pprof.StopCPUProfile()
			pf.Close()
		})

	case profileMemHeap, profileMemAllocs:
		old := runtime.MemProfileRate
		start = startCallback(func() error {
			if err := open(); err != nil {
				return err
			}
			runtime.MemProfileRate = prof.rate
			return nil
		})
		stop = stopCallback(func() {
			name := "heap"
			if prof.mode == profileMemAllocs {
				name = "allocs"
			}
			writeLookup(name, pf)
			pf.Close()
			runtime.MemProfileRate = old
		})

	case profileMutex:
		start = startCallback(func() error {
			if err := open(); err != nil {
				return err
			}
			runtime.SetMutexProfileFraction(prof.rate)
			return nil
		})
		stop = stopCallback(func() {
			writeLookup("mutex", pf)
			pf.Close()
			runtime.SetMutexProfileFraction(0)
		})

	case profileBlock:
		start = startCallback(func() error {
			if err := open(); err != nil {
				return err
			}
			runtime.SetBlockProfileRate(prof.rate)
			return nil
		})
		stop = stopCallback(func() {
			writeLookup("block", pf)
			pf.Close()
			runtime.SetBlockProfileRate(0)
		})

	case profileThreads:
		start = startCallback(open)
		stop = stopCallback(func() {
			writeLookup("threadcreate", pf)
			pf.Close()
		})

	case profileTrace:
		start = startCallback(func() error {
			if err := open(); err != nil {
				return err
			}
			if err := trace.Start(pf); err != nil {
				return fmt.Errorf("pprof: could not start trace: %w", err)
			}
			return nil
		})
		stop = stopCallback(func() {
			trace.Stop()
			pf.Close()
		})

	case profileGoroutine:
		start = startCallback(open)
		stop = stopCallback(func() {
			writeLookup("goroutine", pf)
			pf.Close()
		})

	default:
		panic("unsupported profile mode")
	}

	return start, stop
}
