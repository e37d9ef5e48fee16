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

// Package eta implements the deterministic travel-time model used to enrich
// driver candidates and check delivery windows. The model is total: unknown
// vehicle, traffic, or weather values fall back to neutral factors instead
// of failing.
package eta

import (
	"time"

	"github.com/fleetops/dispatch/pkg/fleet"
)

type TrafficCondition string

const (
	TrafficLight  TrafficCondition = "light"
	TrafficNormal TrafficCondition = "normal"
	TrafficMedium TrafficCondition = "medium"
	TrafficHeavy  TrafficCondition = "heavy"
)

type WeatherCondition string

const (
	WeatherSunny  WeatherCondition = "sunny"
	WeatherNormal WeatherCondition = "normal"
	WeatherRainy  WeatherCondition = "rainy"
	WeatherStormy WeatherCondition = "stormy"
)

// Policy tables. Base speeds are km/h; multipliers apply to base minutes.
var (
	baseSpeedKmh = map[fleet.VehicleType]float64{
		fleet.VehicleMotorbike: 35,
		fleet.VehicleCar:       30,
		fleet.VehicleVan:       28,
		fleet.VehicleBicycle:   15,
	}
	trafficFactor = map[TrafficCondition]float64{
		TrafficLight:  0.9,
		TrafficNormal: 1.0,
		TrafficMedium: 1.3,
		TrafficHeavy:  1.6,
	}
	weatherFactor = map[WeatherCondition]float64{
		WeatherSunny:  0.95,
		WeatherNormal: 1.0,
		WeatherRainy:  1.25,
		WeatherStormy: 1.5,
	}
)

const (
	defaultSpeedKmh = 30.0
	// returningPenalty covers the detour a RETURNING driver makes before
	// heading to a new pickup.
	returningPenalty = 5 * time.Minute
)

// Input describes one driver-to-pickup leg.
type Input struct {
	DistanceKm  float64
	VehicleType fleet.VehicleType
	Traffic     TrafficCondition
	Weather     WeatherCondition
	DriverState fleet.DriverState
}

// Estimate is the deterministic ETA for an Input at the given time.
type Estimate struct {
	TravelTime  time.Duration
	ArrivalTime time.Time
}

// DriverToPickup estimates how long the driver needs to reach the pickup.
func DriverToPickup(in Input, now time.Time) Estimate {
	speed, ok := baseSpeedKmh[in.VehicleType]
	if !ok {
		speed = defaultSpeedKmh
	}
	minutes := in.DistanceKm / speed * 60
	if f, ok := trafficFactor[in.Traffic]; ok {
		minutes *= f
	}
	if f, ok := weatherFactor[in.Weather]; ok {
		minutes *= f
	}
	travel := time.Duration(minutes * float64(time.Minute))
	if in.DriverState == fleet.DriverReturning {
		travel += returningPenalty
	}
	return Estimate{TravelTime: travel, ArrivalTime: now.Add(travel)}
}

// Feasibility classifies a delivery window against an estimated travel time.
type Feasibility string

const (
	OnTime     Feasibility = "ON_TIME"
	Tight      Feasibility = "TIGHT"
	Infeasible Feasibility = "INFEASIBLE"
)

// tightSlack is the slack below which an ON_TIME window is considered TIGHT.
const tightSlack = 10 * time.Minute

// Window is the delivery time window to test against.
type Window struct {
	Earliest time.Time
	Latest   time.Time
}

// WindowCheck is the outcome of a feasibility test. Slack may be negative.
type WindowCheck struct {
	Feasibility Feasibility
	Slack       time.Duration
}

// CheckWindow tests whether travel time starting now still meets the window:
// INFEASIBLE below zero slack, TIGHT below ten minutes, ON_TIME otherwise.
func CheckWindow(now time.Time, w Window, travel time.Duration) WindowCheck {
	slack := w.Latest.Sub(now.Add(travel))
	switch {
	case slack < 0:
		return WindowCheck{Feasibility: Infeasible, Slack: slack}
	case slack < tightSlack:
		return WindowCheck{Feasibility: Tight, Slack: slack}
	default:
		return WindowCheck{Feasibility: OnTime, Slack: slack}
	}
}
