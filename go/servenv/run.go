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
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Run starts serving HTTP requests and blocks until the process
// receives SIGTERM or SIGINT, then drives the shutdown sequence:
// asynchronous OnTerm hooks, synchronous OnTermSync hooks bounded by
// onterm-timeout, the remainder of the lameduck period, closing the
// listener, and finally the OnClose hooks bounded by onclose-timeout.
func (sv *ServEnv) Run(bindAddress string, port int) error {
	if err := sv.FireRunHooks(); err != nil {
		return fmt.Errorf("run hooks: %w", err)
	}

	l, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port %d: %w", port, err)
	}
	sv.setListeningAddr(l.Addr().String())
	if port == 0 {
		if addr, ok := l.Addr().(*net.TCPAddr); ok {
			slog.Info("HTTP port was dynamically allocated", "actual_port", addr.Port)
		}
	}

	go func() {
		if err := sv.HTTPServe(l); err != nil {
			slog.Error("http serve returned unexpected error", "err", err)
		}
	}()

	signal.Notify(sv.exitChan, syscall.SIGTERM, syscall.SIGINT)
	slog.Info("service successfully started", "addr", sv.ListeningAddr())
	<-sv.exitChan
	signal.Stop(sv.exitChan)

	startTime := time.Now()
	slog.Info("entering lameduck mode", "period", sv.lameduckPeriod.Get())
	slog.Info("firing asynchronous OnTerm hooks")
	go sv.onTermHooks.Fire()

	sv.fireOnTermSyncHooks(sv.onTermTimeout.Get())
	if remain := sv.lameduckPeriod.Get() - time.Since(startTime); remain > 0 {
		slog.Info(fmt.Sprintf("sleeping an extra %v after OnTermSync to finish lameduck period", remain))
		time.Sleep(remain)
	}
	_ = l.Close()

	slog.Info("shutting down gracefully")
	sv.fireOnCloseHooks(sv.onCloseTimeout.Get())
	sv.setListeningAddr("")
	return nil
}

// RunDefault calls Run with the flag-configured bind address and port.
func (sv *ServEnv) RunDefault() error {
	return sv.Run(sv.bindAddress.Get(), sv.httpPort.Get())
}

// Shutdown triggers the same graceful shutdown sequence as receiving
// SIGTERM. Safe to call from any goroutine; redundant calls while a
// shutdown is already pending are dropped.
func (sv *ServEnv) Shutdown() {
	select {
	case sv.exitChan <- syscall.SIGTERM:
	default:
	}
}
