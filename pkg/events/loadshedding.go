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
	"golang.org/x/time/rate"
)

// NewLoadSheddingRecorder rate limits location-updated events. Location
// pings arrive at fleet scale far faster than any subscriber needs them;
// without shedding they drown every other event on the bus. All other kinds
// pass through untouched.
func NewLoadSheddingRecorder(r Recorder) Recorder {
	return &loadshedding{
		rec:            r,
		locationBucket: rate.NewLimiter(5, 10),
	}
}

type loadshedding struct {
	rec            Recorder
	locationBucket *rate.Limiter
}

func (l *loadshedding) Publish(evt Event) {
	if evt.Kind == LocationUpdated && !l.locationBucket.Allow() {
		return
	}
	l.rec.Publish(evt)
}
