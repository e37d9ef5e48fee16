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

package events_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/events"
)

type capture struct {
	seen []events.Event
}

func (c *capture) Publish(evt events.Event) { c.seen = append(c.seen, evt) }

var _ = Describe("Multicast", func() {
	It("should fan each event out to every sink in order", func() {
		a, b := &capture{}, &capture{}
		rec := events.NewMulticast(a, b)
		rec.Publish(events.Event{Kind: events.OrderAssigned, OrderID: "o-1"})

		Expect(a.seen).To(HaveLen(1))
		Expect(b.seen).To(HaveLen(1))
		Expect(a.seen[0].OrderID).To(Equal("o-1"))
	})
})

var _ = Describe("DedupeRecorder", func() {
	var (
		sink *capture
		rec  events.Recorder
	)
	BeforeEach(func() {
		sink = &capture{}
		rec = events.NewDedupeRecorder(sink)
	})

	It("should suppress a repeated advisory for the same subject", func() {
		evt := events.Event{Kind: events.BreakRequired, DriverID: "d-1"}
		rec.Publish(evt)
		rec.Publish(evt)
		Expect(sink.seen).To(HaveLen(1))
	})
	It("should keep advisories for distinct subjects apart", func() {
		rec.Publish(events.Event{Kind: events.SLABreach, OrderID: "o-1"})
		rec.Publish(events.Event{Kind: events.SLABreach, OrderID: "o-2"})
		Expect(sink.seen).To(HaveLen(2))
	})
	It("should never deduplicate state transitions", func() {
		evt := events.Event{Kind: events.StateChanged, DriverID: "d-1", From: "AVAILABLE", To: "BUSY"}
		rec.Publish(evt)
		rec.Publish(evt)
		Expect(sink.seen).To(HaveLen(2))
	})
})

var _ = Describe("LoadSheddingRecorder", func() {
	It("should shed a location-update burst past the bucket", func() {
		sink := &capture{}
		rec := events.NewLoadSheddingRecorder(sink)
		for i := 0; i < 100; i++ {
			rec.Publish(events.Event{Kind: events.LocationUpdated, DriverID: "d-1"})
		}
		Expect(len(sink.seen)).To(BeNumerically("<", 100))
	})
	It("should pass every other kind through untouched", func() {
		sink := &capture{}
		rec := events.NewLoadSheddingRecorder(sink)
		for i := 0; i < 100; i++ {
			rec.Publish(events.Event{Kind: events.DeliveryCompleted, DriverID: "d-1"})
		}
		Expect(sink.seen).To(HaveLen(100))
	})
})
