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

package errortracking_test

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/errortracking"
	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
)

func alertsNamed(name string) []events.Event {
	var out []events.Event
	for _, e := range recorder.ByKind(events.Alert) {
		if e.Reason == name {
			out = append(out, e)
		}
	}
	return out
}

var _ = Describe("Classify", func() {
	DescribeTable("sentinel errors",
		func(err error, category errortracking.Category, severity errortracking.Severity) {
			c, s := errortracking.Classify(err)
			Expect(c).To(Equal(category))
			Expect(s).To(Equal(severity))
		},
		Entry("not initialized", fleet.ErrNotInitialized, errortracking.CategorySystem, errortracking.SeverityCritical),
		Entry("max reassign attempts", fleet.ErrMaxReassignAttempts, errortracking.CategoryAgent, errortracking.SeverityHigh),
		Entry("illegal transition", fleet.ErrIllegalTransition, errortracking.CategoryValidation, errortracking.SeverityMedium),
		Entry("no available drivers", fleet.ErrNoAvailableDrivers, errortracking.CategoryAgent, errortracking.SeverityMedium),
		Entry("external router", fleet.ErrExternalRouter, errortracking.CategoryExternalService, errortracking.SeverityHigh),
		Entry("cvrp failed", fleet.ErrCVRPFailed, errortracking.CategoryExternalService, errortracking.SeverityHigh),
		Entry("not found", fleet.ErrNotFound, errortracking.CategoryValidation, errortracking.SeverityLow),
	)
	It("should classify wrapped sentinels by the sentinel", func() {
		wrapped := fmt.Errorf("reassigning order o-1, %w", fleet.ErrMaxReassignAttempts)
		c, s := errortracking.Classify(wrapped)
		Expect(c).To(Equal(errortracking.CategoryAgent))
		Expect(s).To(Equal(errortracking.SeverityHigh))
	})
	DescribeTable("message heuristics",
		func(message string, category errortracking.Category, severity errortracking.Severity) {
			c, s := errortracking.Classify(errors.New(message))
			Expect(c).To(Equal(category))
			Expect(s).To(Equal(severity))
		},
		Entry("database", "pq: deadlock detected", errortracking.CategoryDatabase, errortracking.SeverityHigh),
		Entry("authentication", "invalid token presented", errortracking.CategoryAuthentication, errortracking.SeverityHigh),
		Entry("authorization", "permission denied for fleet ops", errortracking.CategoryAuthorization, errortracking.SeverityMedium),
		Entry("external timeout", "context deadline exceeded", errortracking.CategoryExternalService, errortracking.SeverityHigh),
		Entry("validation", "malformed order payload", errortracking.CategoryValidation, errortracking.SeverityLow),
		Entry("system", "runtime error: nil pointer dereference", errortracking.CategorySystem, errortracking.SeverityCritical),
		Entry("runtime panic mentioning invalid memory", "panic in dispatch loop: runtime error: invalid memory address or nil pointer dereference", errortracking.CategorySystem, errortracking.SeverityCritical),
		Entry("unknown", "something odd happened", errortracking.CategoryUnknown, errortracking.SeverityMedium),
	)
	It("should classify the absence of an error as informational", func() {
		c, s := errortracking.Classify(nil)
		Expect(c).To(Equal(errortracking.CategoryUnknown))
		Expect(s).To(Equal(errortracking.SeverityInfo))
	})
})

var _ = Describe("Track", func() {
	It("should ignore nil errors", func() {
		sink.Track("dispatch", nil, nil)
		Expect(sink.Recent(0)).To(BeEmpty())
		Expect(recorder.Events()).To(BeEmpty())
	})
	It("should record a classified entry and publish it", func() {
		sink.Track("dispatch", fleet.ErrNoAvailableDrivers, map[string]any{"order": "o-1"})

		entries := sink.Recent(0)
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Category).To(Equal(errortracking.CategoryAgent))
		Expect(entries[0].Severity).To(Equal(errortracking.SeverityMedium))
		Expect(entries[0].Source).To(Equal("dispatch"))
		Expect(recorder.ByKind(events.ErrorTracked)).To(HaveLen(1))
	})
	It("should bound the ring at capacity", func() {
		small := errortracking.DefaultConfig()
		small.Capacity = 5
		sink = errortracking.NewSink(recorder, fakeClock, small, zap.NewNop().Sugar())

		for i := 0; i < 8; i++ {
			sink.Track("dispatch", fmt.Errorf("tick %d", i), nil)
			fakeClock.Step(time.Minute)
		}
		entries := sink.Recent(0)
		Expect(entries).To(HaveLen(5))
		Expect(entries[4].Message).To(Equal("tick 7"))
	})
	It("should return only the newest entries from Recent", func() {
		for i := 0; i < 4; i++ {
			sink.Track("dispatch", fmt.Errorf("tick %d", i), nil)
			fakeClock.Step(time.Minute)
		}
		recent := sink.Recent(2)
		Expect(recent).To(HaveLen(2))
		Expect(recent[1].Message).To(Equal("tick 3"))
	})
})

var _ = Describe("Alerts", func() {
	It("should fire HIGH_ERROR_RATE once per crossing", func() {
		// spread the reports so the consecutive-errors alert stays quiet
		for i := 0; i < 60; i++ {
			sink.Track("dispatch", errors.New("transient failure"), nil)
			fakeClock.Step(4 * time.Second)
		}
		Expect(alertsNamed(errortracking.AlertHighErrorRate)).To(HaveLen(1))
		Expect(alertsNamed(errortracking.AlertConsecutiveErrors)).To(BeEmpty())
	})
	It("should re-fire HIGH_ERROR_RATE after the rate recovers", func() {
		for i := 0; i < 60; i++ {
			sink.Track("dispatch", errors.New("transient failure"), nil)
			fakeClock.Step(4 * time.Second)
		}
		// quiet period pushes the 5-minute window back under the threshold
		fakeClock.Step(10 * time.Minute)
		sink.Track("dispatch", errors.New("transient failure"), nil)
		fakeClock.Step(4 * time.Second)

		for i := 0; i < 60; i++ {
			sink.Track("dispatch", errors.New("transient failure"), nil)
			fakeClock.Step(4 * time.Second)
		}
		Expect(alertsNamed(errortracking.AlertHighErrorRate)).To(HaveLen(2))
	})
	It("should fire CRITICAL_ERROR_THRESHOLD at five criticals in an hour", func() {
		for i := 0; i < 5; i++ {
			sink.Track("worker", errors.New("panic: runtime error"), nil)
			fakeClock.Step(5 * time.Minute)
		}
		Expect(alertsNamed(errortracking.AlertCriticalThreshold)).To(HaveLen(1))
	})
	It("should not fire CRITICAL_ERROR_THRESHOLD when the criticals are spread out", func() {
		for i := 0; i < 5; i++ {
			sink.Track("worker", errors.New("panic: runtime error"), nil)
			fakeClock.Step(30 * time.Minute)
		}
		Expect(alertsNamed(errortracking.AlertCriticalThreshold)).To(BeEmpty())
	})
	It("should fire CONSECUTIVE_ERRORS for a burst of twenty in a minute", func() {
		for i := 0; i < 20; i++ {
			sink.Track("dispatch", errors.New("transient failure"), nil)
			fakeClock.Step(time.Second)
		}
		Expect(alertsNamed(errortracking.AlertConsecutiveErrors)).To(HaveLen(1))
	})
	It("should stay quiet when the last twenty errors span over a minute", func() {
		for i := 0; i < 20; i++ {
			sink.Track("dispatch", errors.New("transient failure"), nil)
			fakeClock.Step(10 * time.Second)
		}
		Expect(alertsNamed(errortracking.AlertConsecutiveErrors)).To(BeEmpty())
	})
})

var _ = Describe("Stats", func() {
	It("should window counts at 5 minutes, 1 hour, and 24 hours", func() {
		sink.Track("dispatch", errors.New("pq: connection reset"), nil)
		fakeClock.Step(2 * time.Hour)
		sink.Track("dispatch", errors.New("context deadline exceeded"), nil)
		fakeClock.Step(30 * time.Minute)
		sink.Track("dispatch", errors.New("malformed order payload"), nil)

		stats := sink.Stats()
		Expect(stats).To(HaveLen(3))
		Expect(stats[0].Window).To(Equal(5 * time.Minute))
		Expect(stats[0].Total).To(Equal(1))
		Expect(stats[1].Total).To(Equal(2))
		Expect(stats[2].Total).To(Equal(3))
		Expect(stats[2].ByCategory[errortracking.CategoryDatabase]).To(Equal(1))
		Expect(stats[2].BySeverity[errortracking.SeverityHigh]).To(Equal(2))
	})
})

var _ = Describe("Cleanup", func() {
	It("should drop entries past retention and keep the rest", func() {
		sink.Track("dispatch", errors.New("old failure"), nil)
		fakeClock.Step(25 * time.Hour)
		sink.Track("dispatch", errors.New("fresh failure"), nil)

		Expect(sink.Cleanup()).To(Equal(1))
		entries := sink.Recent(0)
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Message).To(Equal("fresh failure"))
		Expect(sink.Cleanup()).To(BeZero())
	})
})
