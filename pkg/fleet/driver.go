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

// DriverState is the operational state of a driver. Transitions between
// states are owned exclusively by the state engine; nothing else mutates it.
type DriverState string

const (
	DriverAvailable DriverState = "AVAILABLE"
	DriverBusy      DriverState = "BUSY"
	DriverReturning DriverState = "RETURNING"
	DriverOnBreak   DriverState = "ON_BREAK"
	DriverOffline   DriverState = "OFFLINE"
)

// VehicleType determines base travel speed and carrying capacity class.
type VehicleType string

const (
	VehicleMotorbike VehicleType = "motorbike"
	VehicleCar       VehicleType = "car"
	VehicleVan       VehicleType = "van"
	VehicleBicycle   VehicleType = "bicycle"
)

// Driver is the authoritative model of a fleet driver. A driver in BUSY has
// exactly one active order; a driver in AVAILABLE has none.
type Driver struct {
	ID       string      `db:"id"`
	Name     string      `db:"name"`
	Active   bool        `db:"active"`
	State    DriverState `db:"operational_state"`
	Location Location    `db:"location"`
	Base     Location    `db:"base_location"`

	VehicleType    VehicleType    `db:"vehicle_type"`
	CapacityKg     float64        `db:"capacity_kg"`
	CurrentLoadKg  float64        `db:"current_load_kg"`
	ServiceClasses []ServiceClass `db:"-"`

	Rating     float64 `db:"rating"`
	OnTimeRate float64 `db:"on_time_rate"`

	CompletedToday        int     `db:"completed_today"`
	TargetDeliveries      int     `db:"target_deliveries"`
	GapFromTarget         int     `db:"gap_from_target"`
	ConsecutiveDeliveries int     `db:"consecutive_deliveries"`
	HoursWorkedToday      float64 `db:"hours_worked_today"`
	RequiresBreakAfter    int     `db:"requires_break_after"`

	ActiveOrderID string    `db:"active_order_id"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Serves reports whether the driver is eligible for the given service class.
// Drivers with no explicit eligibility serve every class.
func (d *Driver) Serves(class ServiceClass) bool {
	if len(d.ServiceClasses) == 0 {
		return true
	}
	for _, c := range d.ServiceClasses {
		if c == class {
			return true
		}
	}
	return false
}

// ResidualCapacityKg is the weight the driver can still take on.
func (d *Driver) ResidualCapacityKg() float64 {
	if r := d.CapacityKg - d.CurrentLoadKg; r > 0 {
		return r
	}
	return 0
}
