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

package reassignment_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/controllers/reassignment"
	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/test"
)

func atRiskOrder(id string) *fleet.Order {
	now := fakeClock.Now()
	eta := now.Add(20 * time.Minute)
	return test.Order(id, now.Add(-48*time.Minute), func(o *fleet.Order) {
		o.Status = fleet.OrderAssigned
		o.DriverID = "current"
		o.SLADeadline = now.Add(12 * time.Minute)
		o.DeliveryETA = &eta
	})
}

var _ = Describe("Classify", func() {
	It("should mark an order past its deadline breached", func() {
		o := test.Order("o", fakeClock.Now().Add(-2*time.Hour), func(o *fleet.Order) {
			o.SLADeadline = fakeClock.Now().Add(-time.Minute)
		})
		Expect(reassignment.Classify(o, fakeClock.Now()).Category).To(Equal(reassignment.RiskBreached))
	})
	It("should mark an order critical inside fifteen minutes with a late eta", func() {
		a := reassignment.Classify(atRiskOrder("o"), fakeClock.Now())
		Expect(a.Category).To(Equal(reassignment.RiskCritical))
		Expect(a.CanMeetSLA).To(BeFalse())
	})
	It("should keep an order healthy when no eta is recorded", func() {
		o := test.Order("o", fakeClock.Now(), func(o *fleet.Order) {
			o.Status = fleet.OrderAssigned
			o.SLADeadline = fakeClock.Now().Add(12 * time.Minute)
		})
		a := reassignment.Classify(o, fakeClock.Now())
		Expect(a.CanMeetSLA).To(BeTrue())
		Expect(a.Category).To(Equal(reassignment.RiskHealthy))
	})
})

var _ = Describe("Reassign", func() {
	BeforeEach(func() {
		store.AddDriver(test.Driver("current", func(d *fleet.Driver) {
			d.State = fleet.DriverBusy
			d.ActiveOrderID = "o-1"
		}))
		store.AddDriver(test.Driver("rescue", func(d *fleet.Driver) {
			d.OnTimeRate = 0.95
			d.Location = test.Offset(test.CityCenter, 0.01, 0)
		}))
		store.AddOrder(atRiskOrder("o-1"))
	})

	It("should hand the order over and free the original driver", func() {
		order, _ := store.GetOrder(ctx, "o-1")
		res := engine.Reassign(ctx, order, "critical")
		Expect(res.OK).To(BeTrue())

		order, _ = store.GetOrder(ctx, "o-1")
		Expect(order.DriverID).To(Equal("rescue"))
		Expect(order.ReassignmentCount).To(Equal(1))
		from, _ := store.GetDriver(ctx, "current")
		Expect(from.State).To(Equal(fleet.DriverAvailable))
		to, _ := store.GetDriver(ctx, "rescue")
		Expect(to.State).To(Equal(fleet.DriverBusy))
		Expect(store.Audit).To(HaveLen(1))
		Expect(recorder.ByKind(events.ReassignmentSucceeded)).To(HaveLen(1))
		Expect(engine.History()).To(HaveLen(1))
	})
	It("should escalate once the attempt bound is exhausted", func() {
		// Bounce the order between two rescuers until the counter fills
		store.AddDriver(test.Driver("rescue-2", func(d *fleet.Driver) {
			d.OnTimeRate = 0.95
			d.Location = test.Offset(test.CityCenter, 0.012, 0)
		}))
		for i := 0; i < fleet.MaxReassignmentAttempts; i++ {
			order, _ := store.GetOrder(ctx, "o-1")
			res := engine.Reassign(ctx, order, "critical")
			Expect(res.OK).To(BeTrue())
		}
		order, _ := store.GetOrder(ctx, "o-1")
		Expect(order.ReassignmentCount).To(Equal(3))

		res := engine.Reassign(ctx, order, "critical")
		Expect(res.OK).To(BeFalse())
		Expect(res.Reason).To(Equal(fleet.ReasonMaxReassignAttempts))
		Expect(res.ShouldEscalate).To(BeTrue())
		Expect(recorder.ByKind(events.EscalationRequired)).ToNot(BeEmpty())
	})
	It("should never hand the order back to its current driver", func() {
		store.Drivers["rescue"].OnTimeRate = 0.5 // disqualify the rescuer
		order, _ := store.GetOrder(ctx, "o-1")
		res := engine.Reassign(ctx, order, "critical")
		Expect(res.OK).To(BeFalse())
		Expect(res.Reason).To(Equal(fleet.ReasonNoAvailableDrivers))
	})
	It("should skip rescuers without capacity, hours, or target headroom", func() {
		store.Drivers["rescue"].CurrentLoadKg = 29.5 // residual below the 2kg order
		order, _ := store.GetOrder(ctx, "o-1")
		Expect(engine.Reassign(ctx, order, "critical").OK).To(BeFalse())

		store.Drivers["rescue"].CurrentLoadKg = 0
		store.Drivers["rescue"].HoursWorkedToday = 10
		Expect(engine.Reassign(ctx, order, "critical").OK).To(BeFalse())

		store.Drivers["rescue"].HoursWorkedToday = 0
		store.Drivers["rescue"].GapFromTarget = 0
		Expect(engine.Reassign(ctx, order, "critical").OK).To(BeFalse())
	})
	It("should escalate after repeated handover transaction failures", func() {
		store.ErrReassign = fleet.ErrNotFound
		order, _ := store.GetOrder(ctx, "o-1")
		var res fleet.Result
		for i := 0; i < 3; i++ {
			res = engine.Reassign(ctx, order, "critical")
			Expect(res.OK).To(BeFalse())
			Expect(res.Reason).To(Equal(fleet.ReasonDatabase))
		}
		Expect(res.ShouldEscalate).To(BeTrue())
		Expect(recorder.ByKind(events.ReassignmentFailed)).To(HaveLen(3))
	})
})

var _ = Describe("Scan", func() {
	It("should classify, rescue, and escalate in one pass", func() {
		store.AddDriver(test.Driver("rescue", func(d *fleet.Driver) { d.OnTimeRate = 0.95 }))
		store.AddOrder(atRiskOrder("o-risky"))
		store.AddOrder(test.Order("o-breached", fakeClock.Now().Add(-3*time.Hour), func(o *fleet.Order) {
			o.Status = fleet.OrderAssigned
			o.DriverID = "gone"
			o.SLADeadline = fakeClock.Now().Add(-10 * time.Minute)
		}))
		store.AddOrder(test.Order("o-healthy", fakeClock.Now(), func(o *fleet.Order) {
			o.Status = fleet.OrderAssigned
			o.DriverID = "other"
			o.SLADeadline = fakeClock.Now().Add(3 * time.Hour)
		}))

		summary := engine.Scan(ctx)
		Expect(summary.Scanned).To(Equal(3))
		Expect(summary.ByCategory[reassignment.RiskBreached]).To(Equal(1))
		Expect(summary.ByCategory[reassignment.RiskHealthy]).To(Equal(1))
		Expect(summary.Reassigned).To(Equal(1))
		Expect(summary.Escalated).To(Equal(1))
		Expect(recorder.ByKind(events.SLABreach)).To(HaveLen(1))
	})
})

var _ = Describe("RescueScore", func() {
	It("should weight distance, performance, load, and target gap", func() {
		d := test.Driver("a", func(d *fleet.Driver) {
			d.OnTimeRate = 0.9
			d.CurrentLoadKg = 15 // half of 30kg capacity
			d.GapFromTarget = 10 // half of target 20
		})
		// 0.4*(1-10/50) + 0.3*0.9 + 0.2*0.5 + 0.1*0.5 = 0.74
		Expect(reassignment.RescueScore(d, 10)).To(BeNumerically("~", 0.74, 1e-9))
	})
	It("should fall back to a neutral performance score for unrated drivers", func() {
		d := test.Driver("a", func(d *fleet.Driver) {
			d.OnTimeRate = 0
			d.GapFromTarget = 0
		})
		// 0.4*1 + 0.3*0.85 + 0.2*1 + 0 = 0.855
		Expect(reassignment.RescueScore(d, 0)).To(BeNumerically("~", 0.855, 1e-9))
	})
})
