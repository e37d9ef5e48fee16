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

package operator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/controllers/dispatch"
	"github.com/fleetops/dispatch/pkg/errortracking"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/operator"
	"github.com/fleetops/dispatch/pkg/test"
)

func newSupervisor(cfg operator.Config) *operator.Supervisor {
	s, err := operator.NewSupervisor(cfg, fakeClock, zap.NewNop().Sugar())
	Expect(err).ToNot(HaveOccurred())
	return s
}

var _ = Describe("NewSupervisor", func() {
	It("should refuse to construct with no engine at all", func() {
		_, err := operator.NewSupervisor(operator.Config{}, fakeClock, zap.NewNop().Sugar())
		Expect(err).To(MatchError(fleet.ErrNotInitialized))
	})
	It("should tolerate partial initialization", func() {
		s := newSupervisor(operator.Config{Dispatch: dispatcher})

		health := s.Healthy()
		Expect(health.Operational).To(BeTrue())
		Expect(health.Engines[operator.EngineDispatch].Initialized).To(BeTrue())
		Expect(health.Engines[operator.EngineReassignment].Initialized).To(BeFalse())
		Expect(health.Engines[operator.EngineReassignment].InitError).ToNot(BeEmpty())
	})
})

var _ = Describe("Start and Stop", func() {
	var supervisor *operator.Supervisor

	BeforeEach(func() {
		supervisor = newSupervisor(operator.Config{
			Dispatch:         dispatcher,
			DispatchInterval: 30 * time.Second,
		})
	})
	AfterEach(func() {
		supervisor.Stop()
	})

	It("should mark initialized loops running after start", func() {
		supervisor.Start(ctx)
		health := supervisor.Healthy()
		Expect(health.Running).To(BeTrue())
		Expect(health.Engines[operator.EngineDispatch].Running).To(BeTrue())
	})
	It("should run a dispatch pass on each tick", func() {
		store.AddDriver(test.Driver("d-1"))
		store.AddOrder(test.Order("o-1", fakeClock.Now()))

		supervisor.Start(ctx)
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(30 * time.Second)

		Eventually(func() string {
			o, err := store.GetOrder(ctx, "o-1")
			Expect(err).ToNot(HaveOccurred())
			return o.DriverID
		}).Should(Equal("d-1"))
	})
	It("should be idempotent on double start and double stop", func() {
		supervisor.Start(ctx)
		supervisor.Start(ctx)
		Expect(supervisor.Healthy().Running).To(BeTrue())

		supervisor.Stop()
		supervisor.Stop()
		health := supervisor.Healthy()
		Expect(health.Running).To(BeFalse())
		Expect(health.Engines[operator.EngineDispatch].Running).To(BeFalse())
	})
	It("should stay operational across a restart", func() {
		supervisor.Start(ctx)
		supervisor.Stop()
		supervisor.Start(ctx)
		Expect(supervisor.Healthy().Running).To(BeTrue())
	})
})

var _ = Describe("Kick", func() {
	It("should dispatch immediately while running", func() {
		store.AddDriver(test.Driver("d-1"))
		store.AddOrder(test.Order("o-1", fakeClock.Now()))

		supervisor := newSupervisor(operator.Config{
			Dispatch:         dispatcher,
			DispatchInterval: time.Hour,
		})
		defer supervisor.Stop()
		supervisor.Start(ctx)
		supervisor.Kick(ctx)

		o, err := store.GetOrder(ctx, "o-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(o.DriverID).To(Equal("d-1"))
	})
	It("should ignore a kick while stopped", func() {
		store.AddDriver(test.Driver("d-1"))
		store.AddOrder(test.Order("o-1", fakeClock.Now()))

		supervisor := newSupervisor(operator.Config{Dispatch: dispatcher})
		supervisor.Kick(ctx)

		o, err := store.GetOrder(ctx, "o-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(o.DriverID).To(BeEmpty())
	})
})

var _ = Describe("Loop isolation", func() {
	It("should track a panicking pass and keep running", func() {
		sink := errortracking.NewSink(recorder, fakeClock, errortracking.DefaultConfig(), zap.NewNop().Sugar())
		// a dispatch engine with no store panics on its first pass
		broken := dispatch.NewEngine(nil, drivers, recorder, fakeClock, zap.NewNop().Sugar())

		supervisor := newSupervisor(operator.Config{
			Dispatch:         broken,
			Errors:           sink,
			DispatchInterval: 30 * time.Second,
		})
		defer supervisor.Stop()
		supervisor.Start(ctx)
		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(30 * time.Second)

		Eventually(func() []errortracking.Entry { return sink.Recent(0) }).ShouldNot(BeEmpty())
		entry := sink.Recent(1)[0]
		Expect(entry.Source).To(Equal(string(operator.EngineDispatch)))
		Expect(entry.Category).To(Equal(errortracking.CategorySystem))
		Expect(supervisor.Healthy().Engines[operator.EngineDispatch].Running).To(BeTrue())
	})
})

var _ = Describe("Daily reset", func() {
	It("should zero daily counters after midnight", func() {
		store.AddDriver(test.Driver("d-1", func(d *fleet.Driver) {
			d.CompletedToday = 7
			d.HoursWorkedToday = 6
		}))
		supervisor := newSupervisor(operator.Config{
			Dispatch:         dispatcher,
			Drivers:          drivers,
			DispatchInterval: time.Hour,
		})
		defer supervisor.Stop()
		supervisor.Start(ctx)

		// step past local midnight an hour at a time; the reset timer may
		// register after the first few polls
		Eventually(func() int {
			fakeClock.Step(time.Hour)
			d, err := store.GetDriver(ctx, "d-1")
			Expect(err).ToNot(HaveOccurred())
			return d.CompletedToday
		}).Should(BeZero())
	})
})
