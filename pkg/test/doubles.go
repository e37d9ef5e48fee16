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

package test

import (
	"context"
	"sync"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/routing/cvrp"
	"github.com/fleetops/dispatch/pkg/routing/matrix"
)

// Router is a scripted matrix.Router. Err takes precedence; otherwise every
// Table call returns a haversine matrix and counts.
type Router struct {
	mu    sync.Mutex
	Err   error
	Calls int
}

func (r *Router) Table(_ context.Context, coords []fleet.Location) (*matrix.Matrix, error) {
	r.mu.Lock()
	r.Calls++
	err := r.Err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return matrix.HaversineFallback(coords), nil
}

// Solver is a scripted cvrp.Solver.
type Solver struct {
	mu           sync.Mutex
	Unhealthy    bool
	Err          error
	Resp         *cvrp.Response
	Optimized    int
	HealthChecks int
}

func (s *Solver) Healthy(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HealthChecks++
	return !s.Unhealthy
}

func (s *Solver) Optimize(_ context.Context, _ cvrp.Request) (*cvrp.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Optimized++
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Resp, nil
}

// Recorder captures every published event for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind filters captured events by kind.
func (r *Recorder) ByKind(kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops the captured events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
