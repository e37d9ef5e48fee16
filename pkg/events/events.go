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

package events

import (
	"time"
)

// Kind enumerates every lifecycle event the core publishes. Downstream
// notification and metrics sinks subscribe by kind; the core never calls
// them directly.
type Kind string

const (
	StateChanged           Kind = "state-changed"
	PickupCompleted        Kind = "pickup-completed"
	DeliveryCompleted      Kind = "delivery-completed"
	BreakRequired          Kind = "break-required"
	BreakStarted           Kind = "break-started"
	BreakEnded             Kind = "break-ended"
	ShiftStarted           Kind = "shift-started"
	ShiftEnded             Kind = "shift-ended"
	LocationUpdated        Kind = "location-updated"
	DailyReset             Kind = "daily-reset"
	OrderAssigned          Kind = "order-assigned"
	BatchCreated           Kind = "batch-created"
	ReassignmentSucceeded  Kind = "reassignment-succeeded"
	ReassignmentFailed     Kind = "reassignment-failed"
	SLABreach              Kind = "sla-breach"
	EscalationRequired     Kind = "escalation-required"
	ErrorTracked           Kind = "error-tracked"
	Alert                  Kind = "alert"
)

// Event is the tagged union carried by the bus. Only the fields relevant to
// the kind are populated.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	DriverID  string
	OrderID   string
	BatchID   string
	// From/To carry the driver state transition for StateChanged events and
	// the driver handover for reassignment events.
	From string
	To   string
	// Reason carries a free-form cause (break trigger, escalation cause,
	// alert name).
	Reason string
	Detail map[string]any
}

// Recorder receives events from the core. Implementations must not block;
// anything slow belongs behind a buffered fan-out.
type Recorder interface {
	Publish(evt Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Event)

func (f RecorderFunc) Publish(evt Event) { f(evt) }

// NopRecorder drops every event.
var NopRecorder = RecorderFunc(func(Event) {})

// NewMulticast fans each event out to every sink in order.
func NewMulticast(sinks ...Recorder) Recorder {
	return RecorderFunc(func(evt Event) {
		for _, s := range sinks {
			s.Publish(evt)
		}
	})
}
