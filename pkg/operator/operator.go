/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator supervises the autonomous loops: dispatch, SLA
// reassignment, and batching, plus the daily-reset and error-retention
// housekeeping. Engines initialize in isolation; the supervisor is
// operational as long as at least one loop came up.
package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/controllers/batching"
	"github.com/fleetops/dispatch/pkg/controllers/dispatch"
	"github.com/fleetops/dispatch/pkg/controllers/reassignment"
	"github.com/fleetops/dispatch/pkg/errortracking"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/state"
)

// EngineName identifies one supervised loop.
type EngineName string

const (
	EngineDispatch     EngineName = "dispatch"
	EngineReassignment EngineName = "reassignment"
	EngineBatching     EngineName = "batching"
)

// EngineHealth is the per-loop health snapshot.
type EngineHealth struct {
	Initialized bool
	Running     bool
	InitError   string
}

// Health is the supervisor snapshot served by the health probe.
type Health struct {
	Operational bool
	Running     bool
	Engines     map[EngineName]EngineHealth
}

// Config wires the supervised loops. A nil engine is treated as an init
// failure for that loop; the others still run.
type Config struct {
	Dispatch     *dispatch.Engine
	Reassignment *reassignment.Engine
	Batching     *batching.Engine
	Drivers      *state.Engine
	Errors       *errortracking.Sink

	DispatchInterval     time.Duration
	ReassignScanInterval time.Duration
	BatchingInterval     time.Duration
}

const errorCleanupInterval = 10 * time.Minute

type Supervisor struct {
	cfg   Config
	clock clock.WithTicker
	log   *zap.SugaredLogger

	mu      sync.Mutex
	health  map[EngineName]*EngineHealth
	running bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// NewSupervisor validates each engine independently. Partial failure is
// tolerated: the supervisor reports unhealthy engines but starts the rest.
// It errors only when no loop at all can run.
func NewSupervisor(cfg Config, clk clock.WithTicker, log *zap.SugaredLogger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:    cfg,
		clock:  clk,
		log:    log.Named("supervisor"),
		health: map[EngineName]*EngineHealth{},
	}
	s.initEngine(EngineDispatch, cfg.Dispatch != nil)
	s.initEngine(EngineReassignment, cfg.Reassignment != nil)
	s.initEngine(EngineBatching, cfg.Batching != nil)

	if !s.Healthy().Operational {
		return nil, fmt.Errorf("%w, no engine initialized", fleet.ErrNotInitialized)
	}
	return s, nil
}

func (s *Supervisor) initEngine(name EngineName, ok bool) {
	h := &EngineHealth{Initialized: ok}
	if !ok {
		h.InitError = "engine not constructed"
		s.log.Errorw("engine failed to initialize, continuing without it", "engine", name)
	}
	s.health[name] = h
}

// Start launches every initialized loop. Idempotent: a second Start while
// running is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Debugw("supervisor already running")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	if s.health[EngineDispatch].Initialized {
		s.launch(loopCtx, EngineDispatch, s.cfg.DispatchInterval, func(ctx context.Context) {
			s.cfg.Dispatch.DispatchPending(ctx)
		})
	}
	if s.health[EngineReassignment].Initialized {
		s.launch(loopCtx, EngineReassignment, s.cfg.ReassignScanInterval, func(ctx context.Context) {
			s.cfg.Reassignment.Scan(ctx)
		})
	}
	if s.health[EngineBatching].Initialized {
		s.launch(loopCtx, EngineBatching, s.cfg.BatchingInterval, func(ctx context.Context) {
			s.cfg.Batching.RunCycle(ctx)
		})
	}
	if s.cfg.Errors != nil {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.cfg.Errors.Run(loopCtx, errorCleanupInterval)
		}()
	}
	if s.cfg.Drivers != nil {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.dailyResetLoop(loopCtx)
		}()
	}
	s.log.Infow("supervisor started")
}

// Stop cancels the loops and drains them. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	for _, h := range s.health {
		h.Running = false
	}
	s.mu.Unlock()

	cancel()
	s.done.Wait()
	s.log.Infow("supervisor stopped")
}

// Kick runs one immediate dispatch pass outside the ticker cadence. Used by
// the agent trigger gate.
func (s *Supervisor) Kick(ctx context.Context) {
	s.mu.Lock()
	engine := s.cfg.Dispatch
	ok := s.running && s.health[EngineDispatch].Initialized
	s.mu.Unlock()
	if !ok {
		s.log.Warnw("kick ignored, dispatch loop not running")
		return
	}
	engine.DispatchPending(ctx)
}

// Healthy snapshots the supervisor state. Operational requires at least one
// initialized engine.
func (s *Supervisor) Healthy() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Health{Running: s.running, Engines: map[EngineName]EngineHealth{}}
	for name, h := range s.health {
		out.Engines[name] = *h
		if h.Initialized {
			out.Operational = true
		}
	}
	return out
}

func (s *Supervisor) launch(ctx context.Context, name EngineName, interval time.Duration, pass func(context.Context)) {
	s.health[name].Running = true
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		s.log.Infow("loop started", "engine", name, "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.runPass(ctx, name, pass)
			}
		}
	}()
}

// runPass isolates one loop iteration: a panic is tracked as a system error
// and the loop keeps its cadence.
func (s *Supervisor) runPass(ctx context.Context, name EngineName, pass func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s loop: %v", name, r)
			s.log.Errorw("loop pass panicked", "engine", name, "panic", r)
			if s.cfg.Errors != nil {
				s.cfg.Errors.Track(string(name), err, nil)
			}
		}
	}()
	pass(ctx)
}

// dailyResetLoop zeroes the fleet's daily counters shortly after each local
// midnight.
func (s *Supervisor) dailyResetLoop(ctx context.Context) {
	for {
		now := s.clock.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			if n, err := s.cfg.Drivers.ResetDailyMetrics(ctx); err != nil {
				s.log.Warnw("daily reset failed", "error", err)
			} else {
				s.log.Infow("daily metrics reset", "drivers", n)
			}
		}
	}
}
