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

package state

import (
	"fmt"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// legalTransitions is the driver state machine. Events map onto edges:
// shift-start, assignment, delivery completion (which fans out to
// AVAILABLE, RETURNING, or ON_BREAK), break start/end, shift-end.
var legalTransitions = map[fleet.DriverState]map[fleet.DriverState]bool{
	fleet.DriverOffline: {
		fleet.DriverAvailable: true,
	},
	fleet.DriverAvailable: {
		fleet.DriverBusy:    true,
		fleet.DriverOnBreak: true,
		fleet.DriverOffline: true,
	},
	fleet.DriverBusy: {
		fleet.DriverAvailable: true,
		fleet.DriverReturning: true,
		fleet.DriverOnBreak:   true,
	},
	fleet.DriverReturning: {
		fleet.DriverAvailable: true,
		fleet.DriverOnBreak:   true,
		fleet.DriverBusy:      true,
	},
	fleet.DriverOnBreak: {
		fleet.DriverAvailable: true,
	},
}

func checkTransition(from, to fleet.DriverState) error {
	if from == to {
		return nil
	}
	if !legalTransitions[from][to] {
		return fmt.Errorf("%w, %s -> %s", fleet.ErrIllegalTransition, from, to)
	}
	return nil
}
