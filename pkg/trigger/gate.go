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

// Package trigger gates external agent kicks of the dispatch loop. Agents
// (SLA monitors, ops tooling, upstream services) may ask for an immediate
// dispatch pass; the gate rate-limits them with a global and a per-agent
// cooldown so a noisy agent cannot thrash the loop. Critical requests
// bypass both cooldowns.
package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/metrics"
)

// Priority classifies a trigger request.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// Request is one agent's ask for a dispatch pass.
type Request struct {
	AgentID  string
	Priority Priority
	Reason   string
}

// Record is one received request with its outcome, kept in the rings.
type Record struct {
	Request
	Timestamp time.Time
	Allowed   bool
	Bypassed  bool
}

// Stats snapshots the gate counters.
type Stats struct {
	Received int
	Allowed  int
	Blocked  int
	Bypassed int
}

// Config carries the cooldown policy.
type Config struct {
	GlobalCooldown   time.Duration
	PerAgentCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		GlobalCooldown:   time.Minute,
		PerAgentCooldown: 5 * time.Minute,
	}
}

const (
	globalRingCapacity   = 100
	perAgentRingCapacity = 10
)

// Gate admits or blocks trigger requests. Cooldowns slide from the last
// request that was actually allowed, not from blocked attempts.
type Gate struct {
	kick  func(context.Context) // runs one dispatch pass
	clock clock.Clock
	cfg   Config
	log   *zap.SugaredLogger

	mu             sync.Mutex
	lastGlobal     time.Time
	lastByAgent    map[string]time.Time
	history        []Record
	historyByAgent map[string][]Record
	stats          Stats
}

func NewGate(kick func(context.Context), clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Gate {
	return &Gate{
		kick:           kick,
		clock:          clk,
		cfg:            cfg,
		log:            log.Named("trigger"),
		lastByAgent:    map[string]time.Time{},
		historyByAgent: map[string][]Record{},
	}
}

// Trigger evaluates the cooldowns and, when admitted, kicks the dispatch
// loop synchronously. A blocked request returns COOLDOWN with the duration
// until the next admissible attempt.
func (g *Gate) Trigger(ctx context.Context, req Request) fleet.Result {
	g.mu.Lock()
	now := g.clock.Now()
	g.stats.Received++

	bypass := req.Priority == PriorityCritical
	var retryAfter time.Duration
	if !bypass {
		if wait := g.cfg.GlobalCooldown - now.Sub(g.lastGlobal); wait > 0 {
			retryAfter = wait
		}
		if last, ok := g.lastByAgent[req.AgentID]; ok {
			if wait := g.cfg.PerAgentCooldown - now.Sub(last); wait > retryAfter {
				retryAfter = wait
			}
		}
	}

	if retryAfter > 0 {
		g.stats.Blocked++
		g.remember(Record{Request: req, Timestamp: now})
		g.mu.Unlock()
		metrics.TriggersTotal.WithLabelValues("blocked").Inc()
		g.log.Infow("trigger blocked by cooldown",
			"agent", req.AgentID, "retry_after", retryAfter)
		return fleet.Result{Reason: fleet.ReasonCooldown, RetryAfter: retryAfter}
	}

	g.stats.Allowed++
	outcome := "allowed"
	if bypass {
		g.stats.Bypassed++
		outcome = "bypassed"
		g.log.Infow("critical trigger bypassing cooldowns",
			"agent", req.AgentID, "reason", req.Reason)
	}
	g.lastGlobal = now
	g.lastByAgent[req.AgentID] = now
	g.remember(Record{Request: req, Timestamp: now, Allowed: true, Bypassed: bypass})
	g.mu.Unlock()

	metrics.TriggersTotal.WithLabelValues(outcome).Inc()
	g.kick(ctx)
	return fleet.OKResult()
}

// Stats returns a copy of the gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// History returns the recent global request ring, newest last.
func (g *Gate) History() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, len(g.history))
	copy(out, g.history)
	return out
}

// AgentHistory returns the recent request ring for one agent, newest last.
func (g *Gate) AgentHistory(agentID string) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	ring := g.historyByAgent[agentID]
	out := make([]Record, len(ring))
	copy(out, ring)
	return out
}

// remember must be called with g.mu held.
func (g *Gate) remember(r Record) {
	g.history = append(g.history, r)
	if len(g.history) > globalRingCapacity {
		g.history = g.history[len(g.history)-globalRingCapacity:]
	}
	ring := append(g.historyByAgent[r.AgentID], r)
	if len(ring) > perAgentRingCapacity {
		ring = ring[len(ring)-perAgentRingCapacity:]
	}
	g.historyByAgent[r.AgentID] = ring
}
