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

// Package test provides in-memory doubles for the storage, routing, and
// event contracts used across the engine suites.
package test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/storage"
)

// Store is an in-memory storage.Store with the same transactional
// semantics as the relational implementation: guarded assignment, bounded
// handover, batch linking. Inject errors via the Err* fields.
type Store struct {
	clock clock.Clock

	mu      sync.Mutex
	Orders  map[string]*fleet.Order
	Drivers map[string]*fleet.Driver
	Batches map[string]*fleet.Batch
	Routes  map[string]*fleet.Route
	Audit   []fleet.ReassignmentEvent

	ErrGetOrder    error
	ErrDriversNear error
	ErrAssign      error
	ErrReassign    error
	ErrCreateBatch error
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:   clk,
		Orders:  map[string]*fleet.Order{},
		Drivers: map[string]*fleet.Driver{},
		Batches: map[string]*fleet.Batch{},
		Routes:  map[string]*fleet.Route{},
	}
}

func (s *Store) AddOrder(o *fleet.Order)   { s.mu.Lock(); s.Orders[o.ID] = o; s.mu.Unlock() }
func (s *Store) AddDriver(d *fleet.Driver) { s.mu.Lock(); s.Drivers[d.ID] = d; s.mu.Unlock() }

func (s *Store) GetOrder(_ context.Context, id string) (*fleet.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrGetOrder != nil {
		return nil, s.ErrGetOrder
	}
	o, ok := s.Orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s, %w", id, fleet.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *Store) PendingOrders(_ context.Context, f storage.PendingFilter) ([]*fleet.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var out []*fleet.Order
	for _, o := range s.Orders {
		if o.Status != fleet.OrderPending {
			continue
		}
		if f.ServiceClass != "" && o.ServiceClass != f.ServiceClass {
			continue
		}
		if f.MaxAge > 0 && now.Sub(o.CreatedAt) > f.MaxAge {
			continue
		}
		if f.MinSLABudget > 0 && o.SLADeadline.Sub(now) < f.MinSLABudget {
			continue
		}
		if f.ExcludeBatched && o.BatchID != "" {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) InFlightOrders(_ context.Context) ([]*fleet.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fleet.Order
	for _, o := range s.Orders {
		if o.InFlight() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, id string, status fleet.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok {
		return fmt.Errorf("order %s, %w", id, fleet.ErrNotFound)
	}
	o.Status = status
	return nil
}

func (s *Store) UpdateOrderETA(_ context.Context, id string, eta time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok {
		return fmt.Errorf("order %s, %w", id, fleet.ErrNotFound)
	}
	o.DeliveryETA = &eta
	return nil
}

func (s *Store) GetDriver(_ context.Context, id string) (*fleet.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s, %w", id, fleet.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDrivers(_ context.Context) ([]*fleet.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fleet.Driver
	for _, d := range s.Drivers {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DriversNear(_ context.Context, q storage.DriverQuery) ([]*fleet.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrDriversNear != nil {
		return nil, s.ErrDriversNear
	}
	var out []*fleet.Driver
	for _, d := range s.Drivers {
		if fleet.HaversineKm(d.Location, q.Near) > q.RadiusKm {
			continue
		}
		if q.ServiceClass != "" && !d.Serves(q.ServiceClass) {
			continue
		}
		if q.MinRating > 0 && d.Rating < q.MinRating {
			continue
		}
		excluded := false
		for _, vt := range q.ExcludeVehicleTypes {
			if d.VehicleType == vt {
				excluded = true
			}
		}
		if excluded {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) UpdateDriver(_ context.Context, d *fleet.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Drivers[d.ID]; !ok {
		return fmt.Errorf("driver %s, %w", d.ID, fleet.ErrNotFound)
	}
	cp := *d
	s.Drivers[d.ID] = &cp
	return nil
}

func (s *Store) ResetDailyMetrics(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.Drivers {
		d.CompletedToday = 0
		d.ConsecutiveDeliveries = 0
		d.HoursWorkedToday = 0
		d.GapFromTarget = d.TargetDeliveries
	}
	return len(s.Drivers), nil
}

// AssignOrder claims the order row only, mirroring the relational store:
// the driver row moves through the state engine.
func (s *Store) AssignOrder(_ context.Context, orderID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrAssign != nil {
		return s.ErrAssign
	}
	o, ok := s.Orders[orderID]
	if !ok {
		return fmt.Errorf("order %s, %w", orderID, fleet.ErrNotFound)
	}
	if o.Status != fleet.OrderPending || o.DriverID != "" {
		return fmt.Errorf("order %s not assignable", orderID)
	}
	o.Status = fleet.OrderAssigned
	o.DriverID = driverID
	return nil
}

func (s *Store) ReassignOrder(_ context.Context, h storage.Handover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrReassign != nil {
		return s.ErrReassign
	}
	o, ok := s.Orders[h.OrderID]
	if !ok {
		return fmt.Errorf("order %s, %w", h.OrderID, fleet.ErrNotFound)
	}
	if o.ReassignmentCount >= fleet.MaxReassignmentAttempts {
		return fleet.ErrMaxReassignAttempts
	}
	o.DriverID = h.ToDriverID
	o.ReassignmentCount++
	o.LastReassignmentReason = h.Reason
	if from, ok := s.Drivers[h.FromDriverID]; ok {
		from.State = fleet.DriverAvailable
		from.ActiveOrderID = ""
	}
	if to, ok := s.Drivers[h.ToDriverID]; ok {
		to.State = fleet.DriverBusy
		to.ActiveOrderID = h.OrderID
	}
	s.Audit = append(s.Audit, fleet.ReassignmentEvent{
		OrderID:      h.OrderID,
		FromDriverID: h.FromDriverID,
		ToDriverID:   h.ToDriverID,
		Reason:       h.Reason,
		DistanceKm:   h.DistanceKm,
		DriverScore:  h.DriverScore,
		Timestamp:    s.clock.Now(),
	})
	return nil
}

func (s *Store) CreateBatch(_ context.Context, b *fleet.Batch, route *fleet.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ErrCreateBatch != nil {
		return s.ErrCreateBatch
	}
	cp := *b
	s.Batches[b.ID] = &cp
	rc := *route
	s.Routes[b.ID] = &rc
	for _, id := range b.OrderIDs {
		if o, ok := s.Orders[id]; ok {
			o.BatchID = b.ID
			o.DriverID = b.DriverID
			o.Status = fleet.OrderAssigned
		}
	}
	return nil
}

func (s *Store) DissolveBatch(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s, %w", batchID, fleet.ErrNotFound)
	}
	b.Status = fleet.BatchCancelled
	for _, id := range b.OrderIDs {
		if o, ok := s.Orders[id]; ok {
			o.BatchID = ""
			o.DriverID = ""
			o.Status = fleet.OrderPending
		}
	}
	return nil
}
