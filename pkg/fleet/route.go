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
	"fmt"
	"time"
)

type StopKind string

const (
	StopPickup   StopKind = "PICKUP"
	StopDelivery StopKind = "DELIVERY"
	StopReturn   StopKind = "RETURN"
)

// Stop is one waypoint on a driver's route.
type Stop struct {
	OrderID          string    `db:"order_id"`
	Kind             StopKind  `db:"kind"`
	Location         Location  `db:"location"`
	ETA              time.Time `db:"eta"`
	CumulativeLoadKg float64   `db:"cumulative_load_kg"`
}

// Route is the ordered stop sequence covering one batch for one driver.
// Every delivery stop is preceded by its matching pickup; cumulative load
// never exceeds vehicle capacity; ETAs are monotonically non-decreasing.
type Route struct {
	ID              string  `db:"id"`
	BatchID         string  `db:"batch_id"`
	DriverID        string  `db:"driver_id"`
	Stops           []Stop  `db:"-"`
	TotalDistanceKm float64 `db:"total_distance_km"`
	TotalDuration   time.Duration
	Engine          string `db:"engine"`
	FallbackReason  string `db:"fallback_reason"`
}

// Validate checks the route invariants against the given vehicle capacity.
func (r *Route) Validate(capacityKg float64) error {
	picked := map[string]bool{}
	var lastETA time.Time
	for i, stop := range r.Stops {
		switch stop.Kind {
		case StopPickup:
			picked[stop.OrderID] = true
		case StopDelivery:
			if !picked[stop.OrderID] {
				return fmt.Errorf("stop %d delivers order %s before its pickup", i, stop.OrderID)
			}
		}
		if stop.CumulativeLoadKg > capacityKg {
			return fmt.Errorf("stop %d load %.1fkg exceeds capacity %.1fkg", i, stop.CumulativeLoadKg, capacityKg)
		}
		if !stop.ETA.IsZero() && stop.ETA.Before(lastETA) {
			return fmt.Errorf("stop %d eta regresses", i)
		}
		if !stop.ETA.IsZero() {
			lastETA = stop.ETA
		}
	}
	return nil
}
