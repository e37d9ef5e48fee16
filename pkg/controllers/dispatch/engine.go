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

// Package dispatch selects the best driver for a single order and commits
// the assignment transactionally. It queues nothing: when no driver
// qualifies the caller gets NO_AVAILABLE_DRIVERS and the autonomous loop
// retries on its next cycle.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/routing/eta"
	"github.com/fleetops/dispatch/pkg/state"
	"github.com/fleetops/dispatch/pkg/storage"
)

// enrichLimit bounds how many pre-scored candidates get the full dynamic
// ETA treatment.
const enrichLimit = 10

type Engine struct {
	store    storage.Store
	drivers  *state.Engine
	recorder events.Recorder
	clock    clock.Clock
	log      *zap.SugaredLogger
}

func NewEngine(store storage.Store, drivers *state.Engine, recorder events.Recorder, clk clock.Clock, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		drivers:  drivers,
		recorder: recorder,
		clock:    clk,
		log:      log.Named("dispatch"),
	}
}

// Assignment is the successful outcome of a dispatch decision.
type Assignment struct {
	fleet.Result
	DriverID   string
	Score      float64
	DistanceKm float64
}

// Dispatch assigns the order to the best available driver. The order must
// be PENDING and unassigned.
func (e *Engine) Dispatch(ctx context.Context, orderID string) Assignment {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Assignment{Result: fleet.Result{Reason: fleet.ReasonDatabase, Err: err}}
	}
	if order.Status != fleet.OrderPending || order.DriverID != "" {
		return Assignment{Result: fleet.Result{
			Reason: fleet.ReasonValidation,
			Err:    fmt.Errorf("order %s is %s, not dispatchable", orderID, order.Status),
		}}
	}

	now := e.clock.Now()
	window := &eta.Window{Earliest: order.CreatedAt, Latest: order.SLADeadline}
	candidates, err := e.drivers.GetAvailableDrivers(ctx, order.Pickup, state.CandidateOptions{
		ServiceClass: order.ServiceClass,
		Window:       window,
		Limit:        enrichLimit,
	})
	if err != nil {
		return Assignment{Result: fleet.Result{Reason: fleet.ReasonDatabase, Err: err}}
	}
	if len(candidates) == 0 {
		metrics.AssignmentsTotal.WithLabelValues("no_drivers").Inc()
		e.log.Infow("no available drivers", "order", orderID, "class", order.ServiceClass)
		return Assignment{Result: fleet.Failure(fleet.ReasonNoAvailableDrivers)}
	}

	best := candidates[0]
	if err := e.store.AssignOrder(ctx, order.ID, best.Driver.ID); err != nil {
		metrics.AssignmentsTotal.WithLabelValues("error").Inc()
		return Assignment{Result: fleet.Result{Reason: fleet.ReasonDatabase, Err: err}}
	}
	// The order row is claimed; the state engine owns the driver mutation,
	// publishing the BUSY transition and carrying the load.
	if err := e.drivers.AssignOrder(ctx, best.Driver.ID, order.ID, order.WeightKg); err != nil {
		// The driver raced out of AVAILABLE between scoring and commit. The
		// order stays claimed; the SLA scan hands it over.
		e.log.Errorw("driver transition failed after order claim", "driver", best.Driver.ID, "error", err)
	}
	e.recorder.Publish(events.Event{
		Kind: events.OrderAssigned, Timestamp: now,
		OrderID: order.ID, DriverID: best.Driver.ID,
		Detail: map[string]any{"score": best.Score, "distance_km": best.DistanceKm},
	})
	metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
	e.log.Infow("order assigned",
		"order", order.ID, "driver", best.Driver.ID,
		"score", best.Score, "distance_km", fmt.Sprintf("%.2f", best.DistanceKm))
	return Assignment{
		Result:     fleet.OKResult(),
		DriverID:   best.Driver.ID,
		Score:      best.Score,
		DistanceKm: best.DistanceKm,
	}
}

// DispatchPending runs one dispatch pass over every pending fast-lane and
// standard-lane order. Per-order failures are logged and skipped; the pass
// always completes.
func (e *Engine) DispatchPending(ctx context.Context) (assigned int) {
	for _, class := range []fleet.ServiceClass{fleet.ClassFastLane, fleet.ClassStandardLane} {
		orders, err := e.store.PendingOrders(ctx, storage.PendingFilter{
			ServiceClass: class,
			MaxAge:       24 * time.Hour,
			MinSLABudget: 0,
			Limit:        100,
		})
		if err != nil {
			e.log.Warnw("listing pending orders failed", "class", class, "error", err)
			continue
		}
		for _, order := range orders {
			if res := e.Dispatch(ctx, order.ID); res.OK {
				assigned++
			}
		}
	}
	return assigned
}
