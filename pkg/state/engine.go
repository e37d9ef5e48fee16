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

// Package state is the authoritative state machine for every driver. All
// driver mutations flow through the engine: it validates the transition,
// persists through the store, and emits exactly one ordered lifecycle event
// per mutation.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/storage"
)

// Config carries the tunable policy knobs of the state engine.
type Config struct {
	// ReturnDistanceKm is the distance from base beyond which a driver
	// enters RETURNING after a delivery instead of going straight back to
	// AVAILABLE.
	ReturnDistanceKm float64
	// MaxDailyHours caps a driver's working day for candidate selection.
	MaxDailyHours float64
}

func DefaultConfig() Config {
	return Config{ReturnDistanceKm: 15, MaxDailyHours: 10}
}

type Engine struct {
	store    storage.DriverStore
	recorder events.Recorder
	clock    clock.Clock
	cfg      Config
	log      *zap.SugaredLogger

	// mu serializes state transitions so per-driver event order matches
	// state order.
	mu sync.Mutex
	// wm guards the in-process working state below; loss on restart is
	// acceptable (the store remains authoritative for driver state).
	wm         sync.Mutex
	shiftStart map[string]time.Time
	pickedUp   map[string]bool
}

func NewEngine(store storage.DriverStore, recorder events.Recorder, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:      store,
		recorder:   recorder,
		clock:      clk,
		cfg:        cfg,
		log:        log.Named("state"),
		shiftStart: map[string]time.Time{},
		pickedUp:   map[string]bool{},
	}
}

// transition loads the driver, validates the edge, applies mutate (which
// sees the pre-transition state as from), persists, and emits events. The
// engine mutex serializes all transitions so per-driver event order matches
// state order.
func (e *Engine) transition(ctx context.Context, driverID string, to fleet.DriverState, mutate func(d *fleet.Driver, from fleet.DriverState) error, evts ...events.Event) (*fleet.Driver, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	from := d.State
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(d, from); err != nil {
			return nil, err
		}
	}
	d.State = to
	if err := e.store.UpdateDriver(ctx, d); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if from != to {
		e.recorder.Publish(events.Event{
			Kind: events.StateChanged, Timestamp: now,
			DriverID: d.ID, From: string(from), To: string(to),
		})
	}
	for _, evt := range evts {
		evt.Timestamp = now
		evt.DriverID = d.ID
		e.recorder.Publish(evt)
	}
	return d, nil
}

// StartShift moves an offline driver on duty and resets the consecutive
// delivery counter.
func (e *Engine) StartShift(ctx context.Context, driverID string) error {
	_, err := e.transition(ctx, driverID, fleet.DriverAvailable, func(d *fleet.Driver, from fleet.DriverState) error {
		if from != fleet.DriverOffline {
			return fmt.Errorf("%w, shift-start from %s", fleet.ErrIllegalTransition, from)
		}
		d.ConsecutiveDeliveries = 0
		return nil
	}, events.Event{Kind: events.ShiftStarted})
	if err != nil {
		return err
	}
	e.wm.Lock()
	e.shiftStart[driverID] = e.clock.Now()
	e.wm.Unlock()
	return nil
}

// EndShift takes the driver off duty. Rejected while an order is active.
func (e *Engine) EndShift(ctx context.Context, driverID string) error {
	_, err := e.transition(ctx, driverID, fleet.DriverOffline, func(d *fleet.Driver, from fleet.DriverState) error {
		if d.ActiveOrderID != "" {
			return fmt.Errorf("%w, shift-end with active order %s", fleet.ErrIllegalTransition, d.ActiveOrderID)
		}
		if from != fleet.DriverAvailable {
			return fmt.Errorf("%w, shift-end from %s", fleet.ErrIllegalTransition, from)
		}
		d.HoursWorkedToday += e.hoursSinceShiftStart(d.ID)
		return nil
	}, events.Event{Kind: events.ShiftEnded})
	if err != nil {
		return err
	}
	e.wm.Lock()
	delete(e.shiftStart, driverID)
	e.wm.Unlock()
	return nil
}

// StartBreak pauses an AVAILABLE or RETURNING driver.
func (e *Engine) StartBreak(ctx context.Context, driverID string) error {
	_, err := e.transition(ctx, driverID, fleet.DriverOnBreak, func(d *fleet.Driver, from fleet.DriverState) error {
		if from != fleet.DriverAvailable && from != fleet.DriverReturning {
			return fmt.Errorf("%w, break from %s", fleet.ErrIllegalTransition, from)
		}
		return nil
	}, events.Event{Kind: events.BreakStarted})
	return err
}

// EndBreak resumes the driver and resets the consecutive delivery counter.
func (e *Engine) EndBreak(ctx context.Context, driverID string) error {
	_, err := e.transition(ctx, driverID, fleet.DriverAvailable, func(d *fleet.Driver, from fleet.DriverState) error {
		if from != fleet.DriverOnBreak {
			return fmt.Errorf("%w, break-end from %s", fleet.ErrIllegalTransition, from)
		}
		d.ConsecutiveDeliveries = 0
		return nil
	}, events.Event{Kind: events.BreakEnded})
	return err
}

// AssignOrder marks the driver BUSY with the given order. AVAILABLE and
// RETURNING drivers are assignable (RETURNING carries a scoring penalty
// instead of a hard reject); anything else fails the transition. Callers
// persist the order side through the transactional store path.
func (e *Engine) AssignOrder(ctx context.Context, driverID, orderID string, weightKg float64) error {
	_, err := e.transition(ctx, driverID, fleet.DriverBusy, func(d *fleet.Driver, from fleet.DriverState) error {
		if from != fleet.DriverAvailable && from != fleet.DriverReturning {
			return fmt.Errorf("%w, assignment while %s", fleet.ErrIllegalTransition, from)
		}
		d.ActiveOrderID = orderID
		d.CurrentLoadKg += weightKg
		return nil
	})
	if err != nil {
		return err
	}
	e.wm.Lock()
	delete(e.pickedUp, driverID)
	e.wm.Unlock()
	return nil
}

// CompletePickup records the pickup on the active order. The driver stays
// BUSY; this is the one intra-state event in the machine.
func (e *Engine) CompletePickup(ctx context.Context, driverID string) error {
	_, err := e.transition(ctx, driverID, fleet.DriverBusy, func(d *fleet.Driver, from fleet.DriverState) error {
		if from != fleet.DriverBusy || d.ActiveOrderID == "" {
			return fmt.Errorf("%w, pickup without assignment", fleet.ErrIllegalTransition)
		}
		return nil
	}, events.Event{Kind: events.PickupCompleted})
	if err != nil {
		return err
	}
	e.wm.Lock()
	e.pickedUp[driverID] = true
	e.wm.Unlock()
	return nil
}

// CompleteDelivery finishes the active order. The next state is exactly one
// of ON_BREAK (mandatory break reached), RETURNING (far from base), or
// AVAILABLE.
func (e *Engine) CompleteDelivery(ctx context.Context, driverID string) (fleet.DriverState, error) {
	e.wm.Lock()
	picked := e.pickedUp[driverID]
	e.wm.Unlock()
	if !picked {
		return "", fmt.Errorf("%w, delivery without pickup", fleet.ErrIllegalTransition)
	}

	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return "", err
	}
	next := fleet.DriverAvailable
	var extra []events.Event
	switch {
	case d.RequiresBreakAfter > 0 && d.ConsecutiveDeliveries+1 >= d.RequiresBreakAfter:
		next = fleet.DriverOnBreak
		extra = append(extra,
			events.Event{Kind: events.BreakRequired, Reason: "consecutive-deliveries"},
			events.Event{Kind: events.BreakStarted})
	case fleet.HaversineKm(d.Location, d.Base) > e.cfg.ReturnDistanceKm:
		next = fleet.DriverReturning
	}

	orderID := d.ActiveOrderID
	_, err = e.transition(ctx, driverID, next, func(d *fleet.Driver, from fleet.DriverState) error {
		if from != fleet.DriverBusy {
			return fmt.Errorf("%w, delivery while %s", fleet.ErrIllegalTransition, from)
		}
		d.CompletedToday++
		d.ConsecutiveDeliveries++
		if d.GapFromTarget > 0 {
			d.GapFromTarget--
		}
		d.CurrentLoadKg = 0
		d.ActiveOrderID = ""
		return nil
	}, append([]events.Event{{Kind: events.DeliveryCompleted, OrderID: orderID}}, extra...)...)
	if err != nil {
		return "", err
	}
	e.wm.Lock()
	delete(e.pickedUp, driverID)
	e.wm.Unlock()
	return next, nil
}

// Release frees a driver whose order was taken away (cancellation, or a
// reassignment handover already persisted transactionally). It refreshes
// the in-process pickup flag only; the handover transaction owns the rows.
func (e *Engine) Release(driverID string) {
	e.wm.Lock()
	delete(e.pickedUp, driverID)
	e.wm.Unlock()
}

// UpdateLocation records a position ping. No state transition occurs.
func (e *Engine) UpdateLocation(ctx context.Context, driverID string, loc fleet.Location) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	d.Location = loc
	if err := e.store.UpdateDriver(ctx, d); err != nil {
		return err
	}
	e.recorder.Publish(events.Event{
		Kind: events.LocationUpdated, Timestamp: e.clock.Now(), DriverID: driverID,
		Detail: map[string]any{"lat": loc.Lat, "lng": loc.Lng},
	})
	return nil
}

// BatchUpdateLocations applies a set of position pings with bounded
// parallelism. Individual failures do not abort the batch.
func (e *Engine) BatchUpdateLocations(ctx context.Context, locations map[string]fleet.Location) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for driverID, loc := range locations {
		driverID, loc := driverID, loc
		g.Go(func() error {
			if err := e.UpdateLocation(ctx, driverID, loc); err != nil {
				e.log.Warnw("location update failed", "driver", driverID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ResetDailyMetrics zeroes daily counters fleet-wide at the day boundary.
func (e *Engine) ResetDailyMetrics(ctx context.Context) (int, error) {
	n, err := e.store.ResetDailyMetrics(ctx)
	if err != nil {
		return 0, err
	}
	e.recorder.Publish(events.Event{
		Kind: events.DailyReset, Timestamp: e.clock.Now(),
		Detail: map[string]any{"drivers": n},
	})
	return n, nil
}

// FleetStatus is a point-in-time aggregate over all active drivers.
type FleetStatus struct {
	ByState     map[fleet.DriverState]int
	Total       int
	Utilization float64
	AvgRating   float64
}

func (e *Engine) GetFleetStatus(ctx context.Context) (*FleetStatus, error) {
	drivers, err := e.store.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	status := &FleetStatus{ByState: map[fleet.DriverState]int{}}
	var ratings float64
	for _, d := range drivers {
		status.ByState[d.State]++
		status.Total++
		ratings += d.Rating
	}
	if status.Total > 0 {
		status.AvgRating = ratings / float64(status.Total)
	}
	onDuty := status.ByState[fleet.DriverAvailable] + status.ByState[fleet.DriverBusy] + status.ByState[fleet.DriverReturning]
	if onDuty > 0 {
		status.Utilization = float64(status.ByState[fleet.DriverBusy]) / float64(onDuty)
	}
	return status, nil
}

func (e *Engine) hoursSinceShiftStart(driverID string) float64 {
	e.wm.Lock()
	defer e.wm.Unlock()
	if start, ok := e.shiftStart[driverID]; ok {
		return e.clock.Since(start).Hours()
	}
	return 0
}
