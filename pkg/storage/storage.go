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

// Package storage defines the relational contract the dispatch core runs
// against. The store is the single source of truth for order and driver
// state; every mutation that must be consistent (assignment, reassignment
// handover, batch creation) happens inside one transaction here.
package storage

import (
	"context"
	"time"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// DriverQuery is the geospatial candidate query: available drivers within
// RadiusKm of Near serving ServiceClass, excluding the listed vehicle types.
type DriverQuery struct {
	Near                fleet.Location
	RadiusKm            float64
	ServiceClass        fleet.ServiceClass
	ExcludeVehicleTypes []fleet.VehicleType
	MinRating           float64
	Limit               int
}

// PendingFilter selects batching candidates among pending orders.
type PendingFilter struct {
	ServiceClass  fleet.ServiceClass
	MaxAge        time.Duration
	MinSLABudget  time.Duration
	ExcludeBatched bool
	Limit         int
}

// Handover is the atomic reassignment transaction: order moves to the new
// driver, the old driver frees up, the new driver goes busy, and an audit
// row is written. All four steps commit or none do.
type Handover struct {
	OrderID      string
	FromDriverID string
	ToDriverID   string
	Reason       string
	DistanceKm   float64
	DriverScore  float64
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*fleet.Order, error)
	PendingOrders(ctx context.Context, f PendingFilter) ([]*fleet.Order, error)
	InFlightOrders(ctx context.Context) ([]*fleet.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status fleet.OrderStatus) error
	UpdateOrderETA(ctx context.Context, id string, eta time.Time) error
}

type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*fleet.Driver, error)
	ListDrivers(ctx context.Context) ([]*fleet.Driver, error)
	DriversNear(ctx context.Context, q DriverQuery) ([]*fleet.Driver, error)
	UpdateDriver(ctx context.Context, d *fleet.Driver) error
	// ResetDailyMetrics zeroes the daily counters fleet-wide and returns the
	// number of drivers touched.
	ResetDailyMetrics(ctx context.Context) (int, error)
}

type TxStore interface {
	// AssignOrder advances the order to ASSIGNED and the driver to BUSY in a
	// single transaction.
	AssignOrder(ctx context.Context, orderID, driverID string) error
	// ReassignOrder executes the atomic handover described on Handover.
	ReassignOrder(ctx context.Context, h Handover) error
	// CreateBatch persists the batch row, links member orders, and stores the
	// route with its ordered stop table.
	CreateBatch(ctx context.Context, b *fleet.Batch, route *fleet.Route) error
	// DissolveBatch unlinks member orders (batch_id = NULL) and cancels the
	// batch row.
	DissolveBatch(ctx context.Context, batchID string) error
}

// Store is the full relational contract consumed by the supervisor.
type Store interface {
	OrderStore
	DriverStore
	TxStore
}
