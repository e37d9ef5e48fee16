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

package state_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/test"
)

var _ = Describe("Lifecycle", func() {
	BeforeEach(func() {
		store.AddDriver(test.Driver("d-1", func(d *fleet.Driver) {
			d.State = fleet.DriverOffline
		}))
	})

	It("should bring an offline driver on duty with a shift start", func() {
		Expect(engine.StartShift(ctx, "d-1")).To(Succeed())
		d, _ := store.GetDriver(ctx, "d-1")
		Expect(d.State).To(Equal(fleet.DriverAvailable))
		Expect(recorder.ByKind(events.StateChanged)).To(HaveLen(1))
		Expect(recorder.ByKind(events.ShiftStarted)).To(HaveLen(1))
	})
	It("should reject a shift start for a driver already on duty", func() {
		Expect(engine.StartShift(ctx, "d-1")).To(Succeed())
		Expect(fleet.IsIllegalTransition(engine.StartShift(ctx, "d-1"))).To(BeTrue())
	})
	It("should reject ending a shift while an order is active", func() {
		Expect(engine.StartShift(ctx, "d-1")).To(Succeed())
		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		Expect(fleet.IsIllegalTransition(engine.EndShift(ctx, "d-1"))).To(BeTrue())
	})
	It("should accrue worked hours when the shift ends", func() {
		Expect(engine.StartShift(ctx, "d-1")).To(Succeed())
		fakeClock.Step(3 * time.Hour)
		Expect(engine.EndShift(ctx, "d-1")).To(Succeed())
		d, _ := store.GetDriver(ctx, "d-1")
		Expect(d.HoursWorkedToday).To(BeNumerically("~", 3, 0.01))
	})
})

var _ = Describe("Delivery", func() {
	BeforeEach(func() {
		store.AddDriver(test.Driver("d-1", func(d *fleet.Driver) {
			d.State = fleet.DriverOffline
		}))
		Expect(engine.StartShift(ctx, "d-1")).To(Succeed())
		recorder.Reset()
	})

	It("should reject pickup without an assignment", func() {
		Expect(fleet.IsIllegalTransition(engine.CompletePickup(ctx, "d-1"))).To(BeTrue())
	})
	It("should reject delivery without a pickup", func() {
		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		_, err := engine.CompleteDelivery(ctx, "d-1")
		Expect(fleet.IsIllegalTransition(err)).To(BeTrue())
	})
	It("should reject assignment while busy", func() {
		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		Expect(fleet.IsIllegalTransition(engine.AssignOrder(ctx, "d-1", "o-2", 2))).To(BeTrue())
	})
	It("should complete the assign-pickup-deliver chain back to available", func() {
		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		Expect(engine.CompletePickup(ctx, "d-1")).To(Succeed())
		next, err := engine.CompleteDelivery(ctx, "d-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(next).To(Equal(fleet.DriverAvailable))

		d, _ := store.GetDriver(ctx, "d-1")
		Expect(d.CompletedToday).To(Equal(1))
		Expect(d.ConsecutiveDeliveries).To(Equal(1))
		Expect(d.GapFromTarget).To(Equal(19))
		Expect(d.ActiveOrderID).To(BeEmpty())
		Expect(d.CurrentLoadKg).To(BeZero())
		Expect(recorder.ByKind(events.DeliveryCompleted)).To(HaveLen(1))
	})
	It("should force a break once the consecutive delivery cap is reached", func() {
		d, _ := store.GetDriver(ctx, "d-1")
		d.RequiresBreakAfter = 1
		Expect(store.UpdateDriver(ctx, d)).To(Succeed())

		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		Expect(engine.CompletePickup(ctx, "d-1")).To(Succeed())
		next, err := engine.CompleteDelivery(ctx, "d-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(next).To(Equal(fleet.DriverOnBreak))
		Expect(recorder.ByKind(events.BreakRequired)).To(HaveLen(1))
		Expect(recorder.ByKind(events.BreakStarted)).To(HaveLen(1))
	})
	It("should send a driver far from base into returning after delivery", func() {
		d, _ := store.GetDriver(ctx, "d-1")
		// ~22km north of base
		d.Location = test.Offset(d.Base, 0.2, 0)
		Expect(store.UpdateDriver(ctx, d)).To(Succeed())

		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		Expect(engine.CompletePickup(ctx, "d-1")).To(Succeed())
		next, err := engine.CompleteDelivery(ctx, "d-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(next).To(Equal(fleet.DriverReturning))
	})
	It("should allow assignment to a returning driver", func() {
		d, _ := store.GetDriver(ctx, "d-1")
		d.State = fleet.DriverReturning
		Expect(store.UpdateDriver(ctx, d)).To(Succeed())
		Expect(engine.AssignOrder(ctx, "d-1", "o-2", 2)).To(Succeed())
	})
})

var _ = Describe("Breaks", func() {
	BeforeEach(func() {
		store.AddDriver(test.Driver("d-1"))
	})

	It("should reset the consecutive counter when a break ends", func() {
		d, _ := store.GetDriver(ctx, "d-1")
		d.ConsecutiveDeliveries = 7
		Expect(store.UpdateDriver(ctx, d)).To(Succeed())

		Expect(engine.StartBreak(ctx, "d-1")).To(Succeed())
		Expect(engine.EndBreak(ctx, "d-1")).To(Succeed())
		d, _ = store.GetDriver(ctx, "d-1")
		Expect(d.ConsecutiveDeliveries).To(BeZero())
	})
	It("should reject a break for a busy driver", func() {
		Expect(engine.AssignOrder(ctx, "d-1", "o-1", 2)).To(Succeed())
		Expect(fleet.IsIllegalTransition(engine.StartBreak(ctx, "d-1"))).To(BeTrue())
	})
})

var _ = Describe("Locations", func() {
	It("should publish a location event per ping", func() {
		store.AddDriver(test.Driver("d-1"))
		Expect(engine.UpdateLocation(ctx, "d-1", test.Offset(test.CityCenter, 0.01, 0))).To(Succeed())
		Expect(recorder.ByKind(events.LocationUpdated)).To(HaveLen(1))
	})
	It("should apply a batch of pings tolerating unknown drivers", func() {
		store.AddDriver(test.Driver("d-1"))
		Expect(engine.BatchUpdateLocations(ctx, map[string]fleet.Location{
			"d-1":     test.Offset(test.CityCenter, 0.01, 0),
			"missing": test.CityCenter,
		})).To(Succeed())
		d, _ := store.GetDriver(ctx, "d-1")
		Expect(d.Location.Lat).To(BeNumerically("~", test.CityCenter.Lat+0.01, 1e-9))
	})
})

var _ = Describe("FleetStatus", func() {
	It("should compute utilization over on-duty drivers only", func() {
		store.AddDriver(test.Driver("d-1"))
		store.AddDriver(test.Driver("d-2", func(d *fleet.Driver) { d.State = fleet.DriverBusy }))
		store.AddDriver(test.Driver("d-3", func(d *fleet.Driver) { d.State = fleet.DriverOffline }))

		status, err := engine.GetFleetStatus(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.Total).To(Equal(3))
		Expect(status.ByState[fleet.DriverBusy]).To(Equal(1))
		Expect(status.Utilization).To(BeNumerically("~", 0.5, 1e-9))
	})
})
