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

package fleet

import (
	"time"
)

type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchAssigned  BatchStatus = "ASSIGNED"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchCancelled BatchStatus = "CANCELLED"
)

// Batch groups 2..5 orders of one service class onto a single multi-stop
// route. The SLA spread across members never exceeds the configured window.
type Batch struct {
	ID           string       `db:"id"`
	Number       string       `db:"batch_number"`
	ServiceClass ServiceClass `db:"service_class"`
	Status       BatchStatus  `db:"status"`
	DriverID     string       `db:"driver_id"`
	OrderIDs     []string     `db:"-"`
	CreatedAt    time.Time    `db:"created_at"`
}

// SLASpread returns the window between the earliest and latest member
// deadline. Zero-length input returns zero.
func SLASpread(orders []*Order) time.Duration {
	if len(orders) == 0 {
		return 0
	}
	earliest, latest := orders[0].SLADeadline, orders[0].SLADeadline
	for _, o := range orders[1:] {
		if o.SLADeadline.Before(earliest) {
			earliest = o.SLADeadline
		}
		if o.SLADeadline.After(latest) {
			latest = o.SLADeadline
		}
	}
	return latest.Sub(earliest)
}
