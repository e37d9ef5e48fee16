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

// Package routing implements the hybrid route optimizer: it decides between
// the external capacitated-VRP solver (large batches, fairness, capacity
// critical) and the fast matrix heuristic (small, latency critical), and it
// always degrades to a deterministic naive route rather than failing.
package routing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/routing/cvrp"
	"github.com/fleetops/dispatch/pkg/routing/matrix"
)

type Engine string

const (
	EngineCVRP       Engine = "cvrp"
	EngineFastMatrix Engine = "fast_matrix"
	EngineNaive      Engine = "naive"
)

// autoCVRPThreshold is the delivery count at which CVRP is selected even
// without an explicit preference.
const autoCVRPThreshold = 50

// Request describes one optimization problem: a driver starting from their
// current location covering each order's pickup then dropoff.
type Request struct {
	Driver    *fleet.Driver
	Orders    []*fleet.Order
	FleetSize int
	// UseCVRP is an explicit engine preference; nil lets size decide.
	UseCVRP    *bool
	SLAMinutes float64
	DepartAt   time.Time
}

// Decision records which engine was chosen and why, for observability.
type Decision struct {
	Engine Engine
	Reason string
}

type Optimizer struct {
	solver        cvrp.Solver
	matrices      *matrix.Provider
	cvrpEnabled   bool
	minDeliveries int
	decisions     *cache.Cache
	clock         clock.Clock
	log           *zap.SugaredLogger
}

func NewOptimizer(solver cvrp.Solver, matrices *matrix.Provider, cvrpEnabled bool, minDeliveries int, clk clock.Clock, log *zap.SugaredLogger) *Optimizer {
	return &Optimizer{
		solver:        solver,
		matrices:      matrices,
		cvrpEnabled:   cvrpEnabled,
		minDeliveries: minDeliveries,
		decisions:     cache.New(30*time.Second, time.Minute),
		clock:         clk,
		log:           log.Named("optimizer"),
	}
}

// Choose picks the engine for a request. The health probe result is folded
// into the decision; an unhealthy or disabled solver always downgrades to
// the fast matrix path. Decisions are memoized briefly so a burst of
// identical requests costs one probe.
func (o *Optimizer) Choose(ctx context.Context, req Request) Decision {
	key, err := hashstructure.Hash(struct {
		N       int
		V       int
		UseCVRP *bool
	}{len(req.Orders), req.FleetSize, req.UseCVRP}, hashstructure.FormatV2, nil)
	if err == nil {
		if d, ok := o.decisions.Get(fmt.Sprintf("%d", key)); ok {
			return d.(Decision)
		}
	}
	d := o.choose(ctx, req)
	if err == nil {
		o.decisions.SetDefault(fmt.Sprintf("%d", key), d)
	}
	metrics.OptimizerEngineTotal.WithLabelValues(string(d.Engine), d.Reason).Inc()
	o.log.Debugw("selected routing engine", "engine", d.Engine, "reason", d.Reason, "deliveries", len(req.Orders))
	return d
}

func (o *Optimizer) choose(ctx context.Context, req Request) Decision {
	if !o.cvrpEnabled {
		return Decision{Engine: EngineFastMatrix, Reason: "cvrp_disabled"}
	}
	if req.UseCVRP != nil && !*req.UseCVRP {
		return Decision{Engine: EngineFastMatrix, Reason: "explicit"}
	}
	if req.UseCVRP != nil && *req.UseCVRP {
		if len(req.Orders) < o.minDeliveries {
			return Decision{Engine: EngineFastMatrix, Reason: "below_min_deliveries"}
		}
		if o.solver.Healthy(ctx) {
			return Decision{Engine: EngineCVRP, Reason: "explicit"}
		}
		return Decision{Engine: EngineFastMatrix, Reason: "cvrp_unhealthy"}
	}
	if len(req.Orders) >= autoCVRPThreshold {
		if o.solver.Healthy(ctx) {
			return Decision{Engine: EngineCVRP, Reason: "large_batch"}
		}
		return Decision{Engine: EngineFastMatrix, Reason: "cvrp_unhealthy"}
	}
	return Decision{Engine: EngineFastMatrix, Reason: "small_batch"}
}

// Optimize produces a route for the request. Solver failures downgrade to
// the fast matrix heuristic; the naive route is the floor and cannot fail.
func (o *Optimizer) Optimize(ctx context.Context, req Request) *fleet.Route {
	decision := o.Choose(ctx, req)
	if decision.Engine == EngineCVRP {
		route, err := o.optimizeCVRP(ctx, req)
		if err == nil {
			return route
		}
		o.log.Warnw("cvrp optimization failed, downgrading to fast matrix", "error", err)
		decision = Decision{Engine: EngineFastMatrix, Reason: "cvrp_failed"}
		metrics.OptimizerEngineTotal.WithLabelValues(string(decision.Engine), decision.Reason).Inc()
	}
	route := o.fastMatrixRoute(ctx, req)
	if decision.Reason == "cvrp_failed" {
		route.FallbackReason = decision.Reason
	}
	return route
}

// VehiclesNeeded sizes the fleet share for an enhanced multi-vehicle
// optimization: one vehicle per ten delivery-minutes of SLA budget, bounded
// by availability. Guarantees every available vehicle is used when the
// delivery load saturates the SLA.
func VehiclesNeeded(deliveryCount, available int, slaMinutes float64) int {
	if available <= 0 || deliveryCount == 0 {
		return 0
	}
	if slaMinutes <= 0 {
		return available
	}
	needed := int(math.Ceil(float64(deliveryCount) * 10 / slaMinutes))
	if needed < 1 {
		needed = 1
	}
	return lo.Min([]int{available, needed})
}

// SplitRoundRobin distributes deliveries across n vehicles in round-robin
// order, preserving input order within each share. Used by the enhanced
// CVRP mode to solve independently per vehicle.
func SplitRoundRobin(orders []*fleet.Order, n int) [][]*fleet.Order {
	if n <= 0 {
		return nil
	}
	shares := make([][]*fleet.Order, n)
	for i, o := range orders {
		shares[i%n] = append(shares[i%n], o)
	}
	return lo.Filter(shares, func(s []*fleet.Order, _ int) bool { return len(s) > 0 })
}

// optimizeCVRP sizes the vehicle share from the SLA budget, solves each
// share independently, and stitches the solver's delivery orders back into
// one pickup-then-delivery route. The solver only models deliveries; a share
// whose stops cannot be matched keeps its input order.
func (o *Optimizer) optimizeCVRP(ctx context.Context, req Request) (*fleet.Route, error) {
	available := req.FleetSize
	if available < 1 {
		available = 1
	}
	vehicles := VehiclesNeeded(len(req.Orders), available, req.SLAMinutes)
	if vehicles < 1 {
		vehicles = 1
	}

	ordered := make([]*fleet.Order, 0, len(req.Orders))
	var solvedMeters float64
	for _, share := range SplitRoundRobin(req.Orders, vehicles) {
		solved, err := o.solveShare(ctx, req.Driver, share)
		if err != nil {
			return nil, err
		}
		byID := lo.KeyBy(share, func(ord *fleet.Order) string { return ord.ID })
		before := len(ordered)
		for _, stop := range solved.Stops {
			if ord, ok := byID[stop.LocationID]; ok {
				ordered = append(ordered, ord)
			}
		}
		if len(ordered) == before {
			ordered = append(ordered, share...)
		}
		solvedMeters += solved.TotalDistance
	}

	m := o.matrices.GetMatrix(ctx, routeCoords(req.Driver, ordered))
	route := buildPickupDeliveryRoute(req.Driver, ordered, req.DepartAt, m)
	route.Engine = string(EngineCVRP)
	route.TotalDistanceKm = solvedMeters / 1000
	return route, nil
}

func (o *Optimizer) solveShare(ctx context.Context, driver *fleet.Driver, share []*fleet.Order) (cvrp.VehicleRoute, error) {
	solverReq := cvrp.Request{
		Depot: cvrp.Point{Lat: driver.Location.Lat, Lng: driver.Location.Lng},
		Vehicles: []cvrp.Vehicle{
			{ID: driver.ID, Capacity: driver.CapacityKg},
		},
		TimeBudgetSec: 5,
	}
	for _, order := range share {
		solverReq.Locations = append(solverReq.Locations, cvrp.Delivery{
			ID:     order.ID,
			Lat:    order.Dropoff.Lat,
			Lng:    order.Dropoff.Lng,
			Demand: order.WeightKg,
			TimeWindow: cvrp.TimeWindow{
				Start: order.CreatedAt.Unix(),
				End:   order.SLADeadline.Unix(),
			},
		})
	}
	resp, err := o.solver.Optimize(ctx, solverReq)
	if err != nil {
		return cvrp.VehicleRoute{}, err
	}
	if resp == nil || len(resp.Routes) == 0 {
		return cvrp.VehicleRoute{}, fmt.Errorf("%w, solver returned no routes", fleet.ErrCVRPFailed)
	}
	return resp.Routes[0], nil
}
