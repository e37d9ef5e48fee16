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

package routing

import (
	"context"
	"math"
	"time"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/routing/matrix"
)

// Node layout for matrix-backed routing: index 0 is the driver's current
// location, then pickup/delivery pairs per order.
func routeCoords(driver *fleet.Driver, orders []*fleet.Order) []fleet.Location {
	coords := make([]fleet.Location, 0, 1+2*len(orders))
	coords = append(coords, driver.Location)
	for _, o := range orders {
		coords = append(coords, o.Pickup, o.Dropoff)
	}
	return coords
}

func pickupIdx(i int) int   { return 1 + 2*i }
func deliveryIdx(i int) int { return 2 + 2*i }

// fastMatrixRoute orders stops with a greedy nearest-neighbor walk over the
// duration matrix, honoring pickup-before-delivery precedence. It is the
// latency-critical path: one matrix fetch and O(n^2) selection.
func (o *Optimizer) fastMatrixRoute(ctx context.Context, req Request) *fleet.Route {
	m := o.matrices.GetMatrix(ctx, routeCoords(req.Driver, req.Orders))
	seq := greedySequence(req.Orders, m, req.Driver.CapacityKg)
	route := routeFromSequence(req.Driver, req.Orders, seq, m, req.DepartAt)
	route.Engine = string(EngineFastMatrix)
	return route
}

// greedySequence returns matrix node indices in visit order. A delivery node
// becomes eligible once its pickup has been visited; a pickup is deferred
// while it would push the in-flight load over capacity. An order heavier
// than the vehicle is still visited so every stop is covered.
func greedySequence(orders []*fleet.Order, m *matrix.Matrix, capacityKg float64) []int {
	n := len(orders)
	visited := make(map[int]bool, 2*n)
	seq := make([]int, 0, 2*n)
	current := 0
	var load float64
	for len(seq) < 2*n {
		best := nearestEligible(orders, m, visited, current, load, capacityKg)
		if best == -1 {
			// only over-capacity pickups remain
			best = nearestEligible(orders, m, visited, current, load, math.Inf(1))
		}
		if best%2 == 1 {
			load += orders[(best-1)/2].WeightKg
		} else {
			load -= orders[(best-1)/2].WeightKg
		}
		visited[best] = true
		seq = append(seq, best)
		current = best
	}
	return seq
}

func nearestEligible(orders []*fleet.Order, m *matrix.Matrix, visited map[int]bool, current int, load, capacityKg float64) int {
	best, bestCost := -1, 0.0
	for i := range orders {
		node := pickupIdx(i)
		if visited[node] {
			node = deliveryIdx(i)
			if visited[node] {
				continue
			}
		} else if load+orders[i].WeightKg > capacityKg {
			continue
		}
		cost := m.Durations[current][node]
		if best == -1 || cost < bestCost {
			best, bestCost = node, cost
		}
	}
	return best
}

// routeFromSequence materializes stops with ETAs accumulated along the legs
// and cumulative load tracked through pickups and deliveries.
func routeFromSequence(driver *fleet.Driver, orders []*fleet.Order, seq []int, m *matrix.Matrix, departAt time.Time) *fleet.Route {
	route := &fleet.Route{DriverID: driver.ID}
	var load float64
	var elapsed time.Duration
	current := 0
	for _, node := range seq {
		elapsed += time.Duration(m.Durations[current][node] * float64(time.Second))
		route.TotalDistanceKm += m.Distances[current][node] / 1000
		order := orders[(node-1)/2]
		stop := fleet.Stop{
			OrderID: order.ID,
			ETA:     departAt.Add(elapsed),
		}
		if node == pickupIdx((node - 1) / 2) {
			stop.Kind = fleet.StopPickup
			stop.Location = order.Pickup
			load += order.WeightKg
		} else {
			stop.Kind = fleet.StopDelivery
			stop.Location = order.Dropoff
			load -= order.WeightKg
		}
		stop.CumulativeLoadKg = load
		route.Stops = append(route.Stops, stop)
		current = node
	}
	route.TotalDuration = elapsed
	return route
}

// buildPickupDeliveryRoute visits pickups and deliveries in the given order,
// front-loading pickups as far as capacity allows and interleaving deliveries
// once the vehicle fills. Used to rehydrate solver output, whose stop list
// only carries deliveries.
func buildPickupDeliveryRoute(driver *fleet.Driver, orders []*fleet.Order, departAt time.Time, m *matrix.Matrix) *fleet.Route {
	seq := make([]int, 0, 2*len(orders))
	var load float64
	p, d := 0, 0
	for d < len(orders) {
		switch {
		case p < len(orders) && load+orders[p].WeightKg <= driver.CapacityKg:
			seq = append(seq, pickupIdx(p))
			load += orders[p].WeightKg
			p++
		case d < p:
			seq = append(seq, deliveryIdx(d))
			load -= orders[d].WeightKg
			d++
		default:
			// a single order heavier than the vehicle; visit it anyway so
			// every stop is covered
			seq = append(seq, pickupIdx(p))
			load += orders[p].WeightKg
			p++
		}
	}
	return routeFromSequence(driver, orders, seq, m, departAt)
}

// NaiveRoute is the deterministic floor: pickups in input order, deliveries
// in input order, then a return leg to the driver's base. It depends on
// nothing external and cannot fail.
func NaiveRoute(driver *fleet.Driver, orders []*fleet.Order, departAt time.Time) *fleet.Route {
	m := matrix.HaversineFallback(routeCoords(driver, orders))
	route := buildPickupDeliveryRoute(driver, orders, departAt, m)
	route.Engine = string(EngineNaive)
	if len(route.Stops) > 0 {
		last := route.Stops[len(route.Stops)-1]
		returnKm := fleet.HaversineKm(last.Location, driver.Base)
		returnLeg := time.Duration(returnKm / 30 * float64(time.Hour))
		route.Stops = append(route.Stops, fleet.Stop{
			Kind:     fleet.StopReturn,
			Location: driver.Base,
			ETA:      last.ETA.Add(returnLeg),
		})
		route.TotalDistanceKm += returnKm
		route.TotalDuration += returnLeg
	}
	return route
}
