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
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// dedupeKinds are the advisory events that repeat on every scan until the
// underlying condition clears. One publication per window is enough.
var dedupeKinds = map[Kind]bool{
	BreakRequired:      true,
	SLABreach:          true,
	EscalationRequired: true,
}

// NewDedupeRecorder suppresses repeated advisory events for the same subject
// within a two minute window. State transitions are never deduplicated.
func NewDedupeRecorder(r Recorder) Recorder {
	return &dedupe{
		rec:   r,
		cache: cache.New(120*time.Second, 10*time.Second),
	}
}

type dedupe struct {
	rec   Recorder
	cache *cache.Cache
}

func (d *dedupe) Publish(evt Event) {
	if dedupeKinds[evt.Kind] {
		key := fmt.Sprintf("%s-%s-%s-%s", evt.Kind, evt.DriverID, evt.OrderID, evt.Reason)
		if _, exists := d.cache.Get(key); exists {
			return
		}
		d.cache.SetDefault(key, nil)
	}
	d.rec.Publish(evt)
}
