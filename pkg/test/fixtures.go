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

package test

import (
	"fmt"
	"time"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// CityCenter anchors the test geography; offsets are applied in degrees
// (~111km per degree of latitude).
var CityCenter = fleet.Location{Lat: 10.7769, Lng: 106.7009}

// Offset shifts a location by degrees.
func Offset(base fleet.Location, dLat, dLng float64) fleet.Location {
	return fleet.Location{Lat: base.Lat + dLat, Lng: base.Lng + dLng}
}

// DriverOptions overrides fixture defaults via Driver().
type DriverOptions func(*fleet.Driver)

// Driver builds an active AVAILABLE motorbike driver at the city center
// with sane defaults, mutated by the given options.
func Driver(id string, opts ...DriverOptions) *fleet.Driver {
	d := &fleet.Driver{
		ID:                 id,
		Name:               fmt.Sprintf("driver-%s", id),
		Active:             true,
		State:              fleet.DriverAvailable,
		Location:           CityCenter,
		Base:               CityCenter,
		VehicleType:        fleet.VehicleMotorbike,
		CapacityKg:         30,
		Rating:             4.5,
		OnTimeRate:         0.95,
		TargetDeliveries:   20,
		GapFromTarget:      20,
		RequiresBreakAfter: 10,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OrderOptions overrides fixture defaults via Order().
type OrderOptions func(*fleet.Order)

// Order builds a pending fast-lane order created now with its default SLA.
func Order(id string, now time.Time, opts ...OrderOptions) *fleet.Order {
	o := &fleet.Order{
		ID:             id,
		TrackingNumber: fmt.Sprintf("TRK-%s", id),
		Pickup:         CityCenter,
		Dropoff:        Offset(CityCenter, 0.02, 0.02),
		ServiceClass:   fleet.ClassFastLane,
		WeightKg:       2,
		CreatedAt:      now,
		SLADeadline:    now.Add(fleet.ClassFastLane.DefaultSLA()),
		Status:         fleet.OrderPending,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
