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

package reassignment

import (
	"time"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// RiskCategory classifies an in-flight order's SLA exposure.
type RiskCategory string

const (
	RiskHealthy  RiskCategory = "healthy"
	RiskWarning  RiskCategory = "warning"
	RiskCritical RiskCategory = "critical"
	RiskBreached RiskCategory = "breached"
)

// Assessment is the at-risk classification of one order.
type Assessment struct {
	Category          RiskCategory
	MinutesToDeadline float64
	// CanMeetSLA is false when the current delivery ETA lands after the
	// deadline. An order with no recorded ETA is assumed deliverable.
	CanMeetSLA bool
}

const (
	criticalWindow = 15 * time.Minute
	warningWindow  = 30 * time.Minute
	warningMargin  = 5 * time.Minute
)

// Classify applies the risk policy: breached once the deadline passes,
// critical inside 15 minutes with an ETA past the deadline, warning inside
// 30 minutes with an ETA within 5 minutes of the deadline.
func Classify(order *fleet.Order, now time.Time) Assessment {
	a := Assessment{
		MinutesToDeadline: order.MinutesToDeadline(now),
		CanMeetSLA:        true,
	}
	if order.DeliveryETA != nil && order.DeliveryETA.After(order.SLADeadline) {
		a.CanMeetSLA = false
	}
	remaining := order.SLADeadline.Sub(now)
	switch {
	case remaining < 0:
		a.Category = RiskBreached
	case remaining <= criticalWindow && !a.CanMeetSLA:
		a.Category = RiskCritical
	case remaining <= warningWindow && order.DeliveryETA != nil &&
		!order.DeliveryETA.Before(order.SLADeadline.Add(-warningMargin)):
		a.Category = RiskWarning
	default:
		a.Category = RiskHealthy
	}
	return a
}
