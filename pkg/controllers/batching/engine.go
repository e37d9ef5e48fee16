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

// Package batching consolidates nearby orders into multi-stop batches on a
// cycle. The Batchable predicate decides which service classes qualify; by
// default only standard-lane does. A cycle that would overlap a
// still-running one is skipped, not queued.
package batching

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/routing"
	"github.com/fleetops/dispatch/pkg/state"
	"github.com/fleetops/dispatch/pkg/storage"
)

// Config bounds one batching cycle.
type Config struct {
	Cluster ClusterPolicy
	// MaxOrderAge excludes stale orders from batching; they stay on the
	// single-order dispatch path.
	MaxOrderAge time.Duration
	// MinSLABudget excludes orders too close to their deadline to tolerate
	// a multi-stop route.
	MinSLABudget   time.Duration
	MaxCycleOrders int
	DriverRadiusKm float64
	// Batchable gates which service classes are batching candidates.
	Batchable func(fleet.ServiceClass) bool
}

func DefaultConfig() Config {
	return Config{
		Cluster:        DefaultClusterPolicy(),
		MaxOrderAge:    30 * time.Minute,
		MinSLABudget:   30 * time.Minute,
		MaxCycleOrders: 50,
		DriverRadiusKm: 10,
		Batchable:      func(c fleet.ServiceClass) bool { return c == fleet.ClassStandardLane },
	}
}

type Engine struct {
	store     storage.Store
	drivers   *state.Engine
	optimizer *routing.Optimizer
	recorder  events.Recorder
	clock     clock.Clock
	cfg       Config
	log       *zap.SugaredLogger

	// running guards against overlapping cycles. A cycle that finds the
	// previous one still active skips rather than piling up.
	running atomic.Bool
}

func NewEngine(store storage.Store, drivers *state.Engine, optimizer *routing.Optimizer, recorder events.Recorder, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.Batchable == nil {
		cfg.Batchable = DefaultConfig().Batchable
	}
	return &Engine{
		store:     store,
		drivers:   drivers,
		optimizer: optimizer,
		recorder:  recorder,
		clock:     clk,
		cfg:       cfg,
		log:       log.Named("batching"),
	}
}

// CycleSummary reports one batching pass.
type CycleSummary struct {
	Skipped    bool
	Candidates int
	Clusters   int
	Batches    []*fleet.Batch
}

// RunCycle executes one batching pass: collect candidates, cluster them
// geographically, and for each viable cluster pick a driver and commit a
// batch with its optimized route. Clusters with no eligible driver are left
// pending for the next cycle.
func (e *Engine) RunCycle(ctx context.Context) CycleSummary {
	if !e.running.CompareAndSwap(false, true) {
		metrics.BatchCyclesSkippedTotal.Inc()
		e.log.Infow("previous batching cycle still running, skipping")
		return CycleSummary{Skipped: true}
	}
	defer e.running.Store(false)

	var summary CycleSummary
	var candidates []*fleet.Order
	for _, class := range []fleet.ServiceClass{fleet.ClassFastLane, fleet.ClassStandardLane} {
		if !e.cfg.Batchable(class) {
			continue
		}
		orders, err := e.store.PendingOrders(ctx, storage.PendingFilter{
			ServiceClass:   class,
			MaxAge:         e.cfg.MaxOrderAge,
			MinSLABudget:   e.cfg.MinSLABudget,
			ExcludeBatched: true,
			Limit:          e.cfg.MaxCycleOrders - len(candidates),
		})
		if err != nil {
			e.log.Warnw("listing batching candidates failed", "class", class, "error", err)
			continue
		}
		candidates = append(candidates, orders...)
	}
	summary.Candidates = len(candidates)
	if len(candidates) < e.cfg.Cluster.MinOrders {
		return summary
	}

	clusters := Cluster(candidates, e.cfg.Cluster)
	summary.Clusters = len(clusters)
	for _, cluster := range clusters {
		batch, err := e.commitCluster(ctx, cluster)
		if err != nil {
			e.log.Warnw("batch creation failed", "orders", len(cluster), "error", err)
			continue
		}
		if batch != nil {
			summary.Batches = append(summary.Batches, batch)
		}
	}
	return summary
}

// commitCluster assigns a driver and a route to one cluster and persists the
// batch transactionally. Returns (nil, nil) when no driver qualifies.
func (e *Engine) commitCluster(ctx context.Context, cluster []*fleet.Order) (*fleet.Batch, error) {
	anchor := fleet.Centroid(pickups(cluster))
	drivers, err := e.drivers.GetAvailableDrivers(ctx, anchor, state.CandidateOptions{
		ServiceClass: cluster[0].ServiceClass,
		RadiusKm:     e.cfg.DriverRadiusKm,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(drivers) == 0 {
		e.log.Infow("no driver for cluster, deferring", "orders", len(cluster))
		return nil, nil
	}
	driver := drivers[0].Driver

	var load float64
	for _, o := range cluster {
		load += o.WeightKg
	}
	if load > driver.ResidualCapacityKg() {
		e.log.Infow("cluster exceeds driver capacity, deferring",
			"driver", driver.ID, "load_kg", load)
		return nil, nil
	}

	now := e.clock.Now()
	route := e.optimizer.Optimize(ctx, routing.Request{
		Driver:   driver,
		Orders:   cluster,
		DepartAt: now,
	})
	if route == nil || len(route.Stops) == 0 {
		route = routing.NaiveRoute(driver, cluster, now)
	}
	if err := route.Validate(driver.CapacityKg); err != nil {
		// The optimized route broke an invariant; the naive route cannot.
		e.log.Warnw("optimized route invalid, using naive route", "error", err)
		route = routing.NaiveRoute(driver, cluster, now)
	}

	batch := &fleet.Batch{
		ID:           uuid.NewString(),
		Number:       batchNumber(now),
		ServiceClass: cluster[0].ServiceClass,
		Status:       fleet.BatchAssigned,
		DriverID:     driver.ID,
		CreatedAt:    now,
	}
	for _, o := range cluster {
		batch.OrderIDs = append(batch.OrderIDs, o.ID)
	}
	route.BatchID = batch.ID
	route.DriverID = driver.ID

	if err := e.store.CreateBatch(ctx, batch, route); err != nil {
		return nil, err
	}
	if err := e.drivers.AssignOrder(ctx, driver.ID, batch.OrderIDs[0], load); err != nil {
		e.log.Errorw("driver transition failed after batch commit", "driver", driver.ID, "error", err)
	}
	e.propagateETAs(ctx, route)

	e.recorder.Publish(events.Event{
		Kind: events.BatchCreated, Timestamp: now,
		BatchID: batch.ID, DriverID: driver.ID,
		Detail: map[string]any{
			"orders": len(cluster),
			"stops":  len(route.Stops),
			"engine": route.Engine,
		},
	})
	metrics.BatchesCreatedTotal.Inc()
	e.log.Infow("batch created",
		"batch", batch.Number, "driver", driver.ID,
		"orders", len(cluster), "engine", route.Engine)
	return batch, nil
}

// Dissolve cancels a batch and returns its members to the pending pool,
// used when the assigned driver drops out before pickup.
func (e *Engine) Dissolve(ctx context.Context, batchID string) error {
	if err := e.store.DissolveBatch(ctx, batchID); err != nil {
		return err
	}
	e.log.Infow("batch dissolved", "batch", batchID)
	return nil
}

// propagateETAs writes each delivery stop's ETA back onto its order so SLA
// monitoring sees the batch schedule.
func (e *Engine) propagateETAs(ctx context.Context, route *fleet.Route) {
	for _, stop := range route.Stops {
		if stop.Kind != fleet.StopDelivery || stop.ETA.IsZero() {
			continue
		}
		if err := e.store.UpdateOrderETA(ctx, stop.OrderID, stop.ETA); err != nil {
			e.log.Warnw("eta update failed", "order", stop.OrderID, "error", err)
		}
	}
}

func pickups(orders []*fleet.Order) []fleet.Location {
	out := make([]fleet.Location, len(orders))
	for i, o := range orders {
		out[i] = o.Pickup
	}
	return out
}

func batchNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("B-%s-%s", now.Format("20060102"), suffix)
}
