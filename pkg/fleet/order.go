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

package fleet

import (
	"time"
)

// ServiceClass partitions orders by delivery SLA. Fast-lane orders carry a
// tight deadline (~60min) and are never batched; standard-lane orders get a
// wider deadline (~240min) and are batching candidates.
type ServiceClass string

const (
	ClassFastLane     ServiceClass = "fast-lane"
	ClassStandardLane ServiceClass = "standard-lane"
)

// DefaultSLA returns the default deadline offset for a service class.
func (c ServiceClass) DefaultSLA() time.Duration {
	if c == ClassFastLane {
		return 60 * time.Minute
	}
	return 240 * time.Minute
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderAssigned  OrderStatus = "ASSIGNED"
	OrderPickedUp  OrderStatus = "PICKED_UP"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
	OrderReturned  OrderStatus = "RETURNED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDelivered, OrderCancelled, OrderFailed, OrderReturned:
		return true
	}
	return false
}

// MaxReassignmentAttempts bounds how many times a single order may be
// transferred between drivers before the core escalates to a human operator.
const MaxReassignmentAttempts = 3

// Order is one delivery request flowing through the dispatch loop.
type Order struct {
	ID             string `db:"id"`
	TrackingNumber string `db:"tracking_number"`

	Pickup         Location `db:"pickup"`
	Dropoff        Location `db:"dropoff"`
	PickupAddress  string   `db:"pickup_address"`
	DropoffAddress string   `db:"dropoff_address"`

	ServiceClass ServiceClass `db:"service_class"`
	WeightKg     float64      `db:"weight_kg"`

	CreatedAt   time.Time   `db:"created_at"`
	SLADeadline time.Time   `db:"sla_deadline"`
	Status      OrderStatus `db:"status"`

	DriverID               string `db:"driver_id"`
	BatchID                string `db:"batch_id"`
	ReassignmentCount      int    `db:"reassignment_count"`
	LastReassignmentReason string `db:"last_reassignment_reason"`

	DeliveryETA *time.Time `db:"delivery_eta"`
}

// MinutesToDeadline is the remaining SLA budget at now. Negative once breached.
func (o *Order) MinutesToDeadline(now time.Time) float64 {
	return o.SLADeadline.Sub(now).Minutes()
}

// InFlight reports whether the order is assigned but not yet terminal.
func (o *Order) InFlight() bool {
	return o.Status == OrderAssigned || o.Status == OrderPickedUp
}

// ReassignmentEvent is the audit record of one driver-to-driver handover.
type ReassignmentEvent struct {
	OrderID      string    `db:"order_id"`
	FromDriverID string    `db:"from_driver_id"`
	ToDriverID   string    `db:"to_driver_id"`
	Reason       string    `db:"reason"`
	DistanceKm   float64   `db:"distance_km"`
	DriverScore  float64   `db:"driver_score"`
	Timestamp    time.Time `db:"created_at"`
}
