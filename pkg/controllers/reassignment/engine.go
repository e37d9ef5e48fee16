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

// Package reassignment protects delivery SLAs: it scans in-flight orders
// for deadline risk and atomically transfers at-risk orders to a better
// driver, bounded by per-order attempt limits. Breached orders escalate to
// human operators instead.
package reassignment

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/storage"
)

// Config carries the eligibility policy for rescue drivers.
type Config struct {
	MaxDistanceKm float64
	MinOnTimeRate float64
	MaxDailyHours float64
}

func DefaultConfig() Config {
	return Config{MaxDistanceKm: 20, MinOnTimeRate: 0.9, MaxDailyHours: 10}
}

// historyCapacity bounds the in-process reassignment ring kept for
// operator introspection.
const historyCapacity = 100

type Engine struct {
	store    storage.Store
	recorder events.Recorder
	clock    clock.Clock
	cfg      Config
	log      *zap.SugaredLogger

	mu sync.Mutex
	// inFlight serializes reassignment per order: only one attempt may run
	// at a time regardless of how many scanners race.
	inFlight map[string]bool
	// failures counts consecutive handover transaction failures per order.
	failures map[string]int
	history  []fleet.ReassignmentEvent
}

func NewEngine(store storage.Store, recorder events.Recorder, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		recorder: recorder,
		clock:    clk,
		cfg:      cfg,
		log:      log.Named("reassignment"),
		inFlight: map[string]bool{},
		failures: map[string]int{},
	}
}

// ScanSummary reports one pass over the in-flight orders.
type ScanSummary struct {
	Scanned    int
	ByCategory map[RiskCategory]int
	Reassigned int
	Escalated  int
}

// Scan classifies every in-flight order and rescues the at-risk ones.
// Per-order failures are logged and skipped; the scan always completes.
func (e *Engine) Scan(ctx context.Context) ScanSummary {
	summary := ScanSummary{ByCategory: map[RiskCategory]int{}}
	orders, err := e.store.InFlightOrders(ctx)
	if err != nil {
		e.log.Warnw("listing in-flight orders failed", "error", err)
		return summary
	}
	now := e.clock.Now()
	for _, order := range orders {
		assessment := Classify(order, now)
		summary.Scanned++
		summary.ByCategory[assessment.Category]++
		switch {
		case assessment.Category == RiskBreached:
			summary.Escalated++
			e.recorder.Publish(events.Event{
				Kind: events.SLABreach, Timestamp: now,
				OrderID: order.ID, DriverID: order.DriverID,
			})
			e.recorder.Publish(events.Event{
				Kind: events.EscalationRequired, Timestamp: now,
				OrderID: order.ID, Reason: "sla-breached",
			})
		case (assessment.Category == RiskWarning || assessment.Category == RiskCritical) && !assessment.CanMeetSLA:
			res := e.Reassign(ctx, order, string(assessment.Category))
			if res.OK {
				summary.Reassigned++
			}
			if res.ShouldEscalate {
				summary.Escalated++
			}
		}
	}
	for _, cat := range []RiskCategory{RiskHealthy, RiskWarning, RiskCritical, RiskBreached} {
		metrics.OrdersAtRisk.WithLabelValues(string(cat)).Set(float64(summary.ByCategory[cat]))
	}
	return summary
}

// Reassign transfers the order to the best eligible driver in a single
// transaction. Attempts are serialized per order; exceeding the attempt
// bound flips ShouldEscalate.
func (e *Engine) Reassign(ctx context.Context, order *fleet.Order, reason string) fleet.Result {
	if !e.acquire(order.ID) {
		return fleet.Failure("reassignment already in flight")
	}
	defer e.release(order.ID)

	if order.ReassignmentCount >= fleet.MaxReassignmentAttempts {
		metrics.ReassignmentsTotal.WithLabelValues("max_attempts").Inc()
		e.recorder.Publish(events.Event{
			Kind: events.EscalationRequired, Timestamp: e.clock.Now(),
			OrderID: order.ID, Reason: "max-reassignment-attempts",
		})
		return fleet.Result{Reason: fleet.ReasonMaxReassignAttempts, ShouldEscalate: true}
	}

	best, score, distance := e.bestCandidate(ctx, order)
	if best == nil {
		metrics.ReassignmentsTotal.WithLabelValues("no_drivers").Inc()
		return fleet.Failure(fleet.ReasonNoAvailableDrivers)
	}

	handover := storage.Handover{
		OrderID:      order.ID,
		FromDriverID: order.DriverID,
		ToDriverID:   best.ID,
		Reason:       reason,
		DistanceKm:   distance,
		DriverScore:  score,
	}
	if err := e.store.ReassignOrder(ctx, handover); err != nil {
		failures := e.recordFailure(order.ID)
		metrics.ReassignmentsTotal.WithLabelValues("error").Inc()
		e.recorder.Publish(events.Event{
			Kind: events.ReassignmentFailed, Timestamp: e.clock.Now(),
			OrderID: order.ID, From: order.DriverID, To: best.ID, Reason: reason,
		})
		e.log.Warnw("handover transaction failed",
			"order", order.ID, "to", best.ID, "failures", failures, "error", err)
		return fleet.Result{
			Reason:         fleet.ReasonDatabase,
			Err:            err,
			ShouldEscalate: failures >= fleet.MaxReassignmentAttempts,
		}
	}

	e.clearFailures(order.ID)
	now := e.clock.Now()
	event := fleet.ReassignmentEvent{
		OrderID:      order.ID,
		FromDriverID: order.DriverID,
		ToDriverID:   best.ID,
		Reason:       reason,
		DistanceKm:   distance,
		DriverScore:  score,
		Timestamp:    now,
	}
	e.remember(event)
	e.recorder.Publish(events.Event{
		Kind: events.ReassignmentSucceeded, Timestamp: now,
		OrderID: order.ID, From: order.DriverID, To: best.ID, Reason: reason,
		Detail: map[string]any{"score": score, "distance_km": distance},
	})
	metrics.ReassignmentsTotal.WithLabelValues("reassigned").Inc()
	e.log.Infow("order reassigned",
		"order", order.ID, "from", order.DriverID, "to", best.ID,
		"reason", reason, "score", score)
	return fleet.OKResult()
}

// bestCandidate applies the eligibility filters and the weighted rescue
// score:
//
//	0.4*distance + 0.3*performance + 0.2*load + 0.1*target
func (e *Engine) bestCandidate(ctx context.Context, order *fleet.Order) (*fleet.Driver, float64, float64) {
	drivers, err := e.store.DriversNear(ctx, storage.DriverQuery{
		Near:         order.Pickup,
		RadiusKm:     e.cfg.MaxDistanceKm,
		ServiceClass: order.ServiceClass,
	})
	if err != nil {
		e.log.Warnw("candidate query failed", "order", order.ID, "error", err)
		return nil, 0, 0
	}
	var best *fleet.Driver
	var bestScore, bestDistance float64
	for _, d := range drivers {
		if d.ID == order.DriverID {
			// Never hand an order back to the driver it is being taken from.
			continue
		}
		distance := fleet.HaversineKm(d.Location, order.Pickup)
		if !e.eligible(d, order, distance) {
			continue
		}
		score := RescueScore(d, distance)
		if best == nil || score > bestScore {
			best, bestScore, bestDistance = d, score, distance
		}
	}
	return best, bestScore, bestDistance
}

func (e *Engine) eligible(d *fleet.Driver, order *fleet.Order, distanceKm float64) bool {
	return d.OnTimeRate >= e.cfg.MinOnTimeRate &&
		d.HoursWorkedToday < e.cfg.MaxDailyHours &&
		d.GapFromTarget > 0 &&
		d.ResidualCapacityKg() >= order.WeightKg &&
		distanceKm <= e.cfg.MaxDistanceKm
}

// RescueScore weights distance, performance, load headroom, and target gap
// into [0,1].
func RescueScore(d *fleet.Driver, distanceKm float64) float64 {
	distanceScore := math.Max(0, 1-distanceKm/50)
	performanceScore := d.OnTimeRate
	if performanceScore <= 0 {
		performanceScore = 0.85
	}
	var loadScore float64
	if d.CapacityKg > 0 {
		loadScore = math.Max(0, 1-d.CurrentLoadKg/d.CapacityKg)
	}
	var targetScore float64
	if d.TargetDeliveries > 0 {
		targetScore = float64(d.GapFromTarget) / float64(d.TargetDeliveries)
	}
	return 0.4*distanceScore + 0.3*performanceScore + 0.2*loadScore + 0.1*targetScore
}

// History returns a copy of the recent reassignment ring, newest last.
func (e *Engine) History() []fleet.ReassignmentEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]fleet.ReassignmentEvent, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) acquire(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[orderID] {
		return false
	}
	e.inFlight[orderID] = true
	return true
}

func (e *Engine) release(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, orderID)
}

func (e *Engine) recordFailure(orderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[orderID]++
	return e.failures[orderID]
}

func (e *Engine) clearFailures(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, orderID)
}

func (e *Engine) remember(event fleet.ReassignmentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, event)
	if len(e.history) > historyCapacity {
		e.history = e.history[len(e.history)-historyCapacity:]
	}
}
