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

package state

import (
	"context"
	"math"
	"sort"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/routing/eta"
	"github.com/fleetops/dispatch/pkg/storage"
)

// UnavailabilityReason explains why a driver is excluded from candidate
// selection, in priority order.
type UnavailabilityReason string

const (
	UnavailableInactive      UnavailabilityReason = "inactive"
	UnavailableState         UnavailabilityReason = "state"
	UnavailableMaxHours      UnavailabilityReason = "max-hours"
	UnavailableBreakRequired UnavailabilityReason = "break-required"
	UnavailableTargetMet     UnavailabilityReason = "target-met"
	// Available means the driver can take work.
	Available UnavailabilityReason = ""
)

// Unavailability classifies a driver, checking reasons in priority order.
func (e *Engine) Unavailability(d *fleet.Driver) UnavailabilityReason {
	switch {
	case !d.Active:
		return UnavailableInactive
	case d.State != fleet.DriverAvailable && d.State != fleet.DriverReturning:
		return UnavailableState
	case d.HoursWorkedToday+e.hoursSinceShiftStart(d.ID) >= e.cfg.MaxDailyHours:
		return UnavailableMaxHours
	case d.RequiresBreakAfter > 0 && d.ConsecutiveDeliveries >= d.RequiresBreakAfter:
		return UnavailableBreakRequired
	case d.TargetDeliveries > 0 && d.GapFromTarget <= 0:
		return UnavailableTargetMet
	}
	return Available
}

// Candidate is a scored driver for one pickup location.
type Candidate struct {
	Driver     *fleet.Driver
	DistanceKm float64
	Score      float64
	// Window is populated when the query supplied a delivery window.
	Window *eta.WindowCheck
	ETA    *eta.Estimate
}

// CandidateOptions bound the candidate query.
type CandidateOptions struct {
	ServiceClass        fleet.ServiceClass
	RadiusKm            float64
	MinRating           float64
	ExcludeVehicleTypes []fleet.VehicleType
	// Window, when set, adds the time-window component to the score and
	// drops infeasible drivers entirely.
	Window  *eta.Window
	Traffic eta.TrafficCondition
	Weather eta.WeatherCondition
	Limit   int
}

const defaultRadiusKm = 10.0

// GetAvailableDrivers returns scored candidates for a pickup, best first.
// Ties break toward the smaller distance.
func (e *Engine) GetAvailableDrivers(ctx context.Context, pickup fleet.Location, opts CandidateOptions) ([]Candidate, error) {
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = defaultRadiusKm
	}
	drivers, err := e.store.DriversNear(ctx, storage.DriverQuery{
		Near:                pickup,
		RadiusKm:            opts.RadiusKm,
		ServiceClass:        opts.ServiceClass,
		ExcludeVehicleTypes: opts.ExcludeVehicleTypes,
		MinRating:           opts.MinRating,
	})
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	candidates := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if e.Unavailability(d) != Available {
			continue
		}
		c := Candidate{Driver: d, DistanceKm: fleet.HaversineKm(d.Location, pickup)}
		if opts.Window != nil {
			est := eta.DriverToPickup(eta.Input{
				DistanceKm:  c.DistanceKm,
				VehicleType: d.VehicleType,
				Traffic:     opts.Traffic,
				Weather:     opts.Weather,
				DriverState: d.State,
			}, now)
			check := eta.CheckWindow(now, *opts.Window, est.TravelTime)
			if check.Feasibility == eta.Infeasible {
				continue
			}
			c.ETA = &est
			c.Window = &check
		}
		c.Score = AvailabilityScore(d, c.DistanceKm, c.Window)
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates, nil
}

// AvailabilityScore is the additive assignment score, clamped to >= 0 and
// rounded to two decimals:
//
//	+40 AVAILABLE / +20 RETURNING
//	distance:   max(0, 30*(1 - km/10))
//	rating:     (rating/5)*15
//	target gap: min(15, gap*2)
//	window:     +20 ON_TIME (slack >= 10m), +15 ON_TIME below that,
//	            +10 TIGHT, -50 INFEASIBLE
func AvailabilityScore(d *fleet.Driver, distanceKm float64, window *eta.WindowCheck) float64 {
	var score float64
	switch d.State {
	case fleet.DriverAvailable:
		score += 40
	case fleet.DriverReturning:
		score += 20
	}
	score += math.Max(0, 30*(1-distanceKm/10))
	score += d.Rating / 5 * 15
	score += math.Min(15, float64(d.GapFromTarget)*2)
	if window != nil {
		switch window.Feasibility {
		case eta.OnTime:
			if window.Slack.Minutes() >= 10 {
				score += 20
			} else {
				score += 15
			}
		case eta.Tight:
			score += 10
		case eta.Infeasible:
			score -= 50
		}
	}
	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}
