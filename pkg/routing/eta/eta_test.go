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

package eta_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/routing/eta"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var _ = Describe("DriverToPickup", func() {
	It("should derive travel time from vehicle base speed", func() {
		est := eta.DriverToPickup(eta.Input{DistanceKm: 35, VehicleType: fleet.VehicleMotorbike}, now)
		Expect(est.TravelTime).To(Equal(time.Hour))
		Expect(est.ArrivalTime).To(Equal(now.Add(time.Hour)))

		est = eta.DriverToPickup(eta.Input{DistanceKm: 15, VehicleType: fleet.VehicleBicycle}, now)
		Expect(est.TravelTime).To(Equal(time.Hour))
	})
	It("should fall back to a neutral speed for unknown vehicles", func() {
		est := eta.DriverToPickup(eta.Input{DistanceKm: 30, VehicleType: "scooter"}, now)
		Expect(est.TravelTime).To(Equal(time.Hour))
	})
	It("should multiply traffic and weather factors", func() {
		in := eta.Input{
			DistanceKm:  30,
			VehicleType: fleet.VehicleCar,
			Traffic:     eta.TrafficHeavy,
			Weather:     eta.WeatherStormy,
		}
		// 60min * 1.6 * 1.5 = 144min
		Expect(eta.DriverToPickup(in, now).TravelTime).To(Equal(144 * time.Minute))
	})
	It("should speed up in light traffic and clear weather", func() {
		in := eta.Input{
			DistanceKm:  30,
			VehicleType: fleet.VehicleCar,
			Traffic:     eta.TrafficLight,
			Weather:     eta.WeatherSunny,
		}
		// 60min * 0.9 * 0.95 = 51.3min
		Expect(eta.DriverToPickup(in, now).TravelTime).To(Equal(
			time.Duration(51.3 * float64(time.Minute))))
	})
	It("should add the detour penalty for a returning driver", func() {
		base := eta.DriverToPickup(eta.Input{DistanceKm: 7, VehicleType: fleet.VehicleMotorbike}, now)
		returning := eta.DriverToPickup(eta.Input{
			DistanceKm: 7, VehicleType: fleet.VehicleMotorbike,
			DriverState: fleet.DriverReturning,
		}, now)
		Expect(returning.TravelTime - base.TravelTime).To(Equal(5 * time.Minute))
	})
})

var _ = Describe("CheckWindow", func() {
	window := eta.Window{Earliest: now, Latest: now.Add(30 * time.Minute)}

	It("should pass a window with comfortable slack", func() {
		check := eta.CheckWindow(now, window, 10*time.Minute)
		Expect(check.Feasibility).To(Equal(eta.OnTime))
		Expect(check.Slack).To(Equal(20 * time.Minute))
	})
	It("should flag a window with under ten minutes of slack as tight", func() {
		check := eta.CheckWindow(now, window, 25*time.Minute)
		Expect(check.Feasibility).To(Equal(eta.Tight))
		Expect(check.Slack).To(Equal(5 * time.Minute))
	})
	It("should reject a window the travel time overruns", func() {
		check := eta.CheckWindow(now, window, 40*time.Minute)
		Expect(check.Feasibility).To(Equal(eta.Infeasible))
		Expect(check.Slack).To(Equal(-10 * time.Minute))
	})
})
