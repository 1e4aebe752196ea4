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

// Package health probes every configured pool in the background and
// keeps the liveness view that routing consults. A single failed probe
// marks a pool unhealthy at once; recovery requires a run of
// consecutive successes so a flapping endpoint does not oscillate back
// into rotation. Probe outcomes never surface to request paths as
// errors, they only steer pool selection.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pgdal/go/tools/timer"
)

const (
	defaultInterval     = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
	defaultHealthyAfter = 2
)

// Prober is one probe target, typically a registered pool.
type Prober interface {
	// Name identifies the target in logs and lookups.
	Name() string

	// Ping checks that the target's backend answers.
	Ping(ctx context.Context) error
}

// Config tunes the monitor. Zero values fall back to defaults.
type Config struct {
	// Interval is the time between probe cycles per pool.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// HealthyAfterNSuccesses is how many consecutive successful probes
	// an unhealthy pool needs before it rejoins rotation.
	HealthyAfterNSuccesses int
}

// PoolHealth is one pool's probe state at a point in time.
type PoolHealth struct {
	Pool        string    `json:"pool"`
	Healthy     bool      `json:"healthy"`
	LastProbeAt time.Time `json:"lastProbeAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// poolState is guarded by its own mutex so probes of different pools
// never contend with each other.
type poolState struct {
	mu          sync.Mutex
	healthy     bool
	successes   int
	lastProbeAt time.Time
	lastErr     error
}

// Monitor runs one serial probe cycle per pool. Each pool gets its own
// periodic runner, so probes of the same pool never overlap and a slow
// backend stretches only its own cycle.
type Monitor struct {
	logger       *slog.Logger
	interval     time.Duration
	timeout      time.Duration
	healthyAfter int

	targets []Prober
	states  map[string]*poolState
	runners []*timer.PeriodicRunner

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewMonitor builds a monitor over the given targets. Every pool starts
// healthy; the first probe cycle runs immediately on Start and corrects
// the view if the backend is already down.
func NewMonitor(targets []Prober, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.HealthyAfterNSuccesses <= 0 {
		cfg.HealthyAfterNSuccesses = defaultHealthyAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		logger:       logger,
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		healthyAfter: cfg.HealthyAfterNSuccesses,
		targets:      targets,
		states:       make(map[string]*poolState, len(targets)),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, t := range targets {
		m.states[t.Name()] = &poolState{healthy: true}
		m.runners = append(m.runners, timer.NewPeriodicRunner(ctx, cfg.Interval))
	}
	return m
}

// Start fires an immediate first probe of every pool and hands the
// per-pool cycle to its runner. It is a no-op when called twice or
// after Stop.
func (m *Monitor) Start() {
	if m.stopped.Load() || !m.started.CompareAndSwap(false, true) {
		return
	}
	for i, t := range m.targets {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.probe(m.ctx, t)
		}()
		m.runners[i].Start(func(ctx context.Context) {
			m.probe(ctx, t)
		})
	}
	m.logger.Info("health monitor started",
		"pools", len(m.targets),
		"interval", m.interval,
		"healthy_after", m.healthyAfter,
	)
}

// Stop aborts any probe in flight, stops the runners, and waits for
// all probe work to finish.
func (m *Monitor) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	for _, r := range m.runners {
		r.Stop()
	}
	m.wg.Wait()
}

// IsHealthy reports the current view of one pool. Unknown pools are
// unhealthy.
func (m *Monitor) IsHealthy(pool string) bool {
	st, ok := m.states[pool]
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.healthy
}

// Snapshot returns the probe state of every pool in target order.
func (m *Monitor) Snapshot() []PoolHealth {
	out := make([]PoolHealth, 0, len(m.targets))
	for _, t := range m.targets {
		st := m.states[t.Name()]
		st.mu.Lock()
		h := PoolHealth{
			Pool:        t.Name(),
			Healthy:     st.healthy,
			LastProbeAt: st.lastProbeAt,
		}
		if st.lastErr != nil {
			h.LastError = st.lastErr.Error()
		}
		st.mu.Unlock()
		out = append(out, h)
	}
	return out
}

// probe runs one cycle against a target and applies the transition
// rules: any failure flips healthy to unhealthy immediately, while an
// unhealthy pool must string together healthyAfter successes to come
// back. lastProbeAt moves on every cycle regardless of outcome.
func (m *Monitor) probe(ctx context.Context, t Prober) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := t.Ping(pctx)
	cancel()

	// A probe cut short by shutdown is not a verdict on the pool.
	if ctx.Err() != nil {
		return
	}

	st := m.states[t.Name()]
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastProbeAt = time.Now()
	if err != nil {
		st.lastErr = err
		st.successes = 0
		if st.healthy {
			st.healthy = false
			m.logger.Warn("pool marked unhealthy",
				"pool", t.Name(),
				"error", err,
				"latency", time.Since(start),
			)
		}
		return
	}

	st.lastErr = nil
	if st.healthy {
		return
	}
	st.successes++
	if st.successes < m.healthyAfter {
		m.logger.Debug("unhealthy pool probe succeeded",
			"pool", t.Name(),
			"successes", st.successes,
			"required", m.healthyAfter,
		)
		return
	}
	st.healthy = true
	st.successes = 0
	m.logger.Info("pool recovered",
		"pool", t.Name(),
		"required_successes", m.healthyAfter,
	)
}
