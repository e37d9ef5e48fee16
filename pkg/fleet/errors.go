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
	"errors"
	"time"
)

// Reason codes surfaced on structured engine results. These are stable
// strings consumed by operator tooling; do not rename.
const (
	ReasonNotInitialized      = "NOT_INITIALIZED"
	ReasonCooldown            = "COOLDOWN"
	ReasonNoAvailableDrivers  = "NO_AVAILABLE_DRIVERS"
	ReasonIllegalTransition   = "ILLEGAL_TRANSITION"
	ReasonMaxReassignAttempts = "MAX_REASSIGN_ATTEMPTS"
	ReasonExternalRouter      = "EXTERNAL_ROUTER_FAILED"
	ReasonCVRPFailed          = "CVRP_FAILED"
	ReasonDatabase            = "DATABASE_ERROR"
	ReasonValidation          = "VALIDATION_ERROR"
	ReasonTimeout             = "TIMEOUT"
)

var (
	ErrNotInitialized      = errors.New("engine not initialized")
	ErrNoAvailableDrivers  = errors.New("no available drivers")
	ErrIllegalTransition   = errors.New("illegal driver state transition")
	ErrMaxReassignAttempts = errors.New("order exhausted reassignment attempts")
	ErrExternalRouter      = errors.New("external routing engine failed")
	ErrCVRPFailed          = errors.New("cvrp solver failed")
	ErrNotFound            = errors.New("not found")
)

func IsNoAvailableDrivers(err error) bool { return errors.Is(err, ErrNoAvailableDrivers) }
func IsIllegalTransition(err error) bool  { return errors.Is(err, ErrIllegalTransition) }
func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }

// Result is the discriminated outcome of a public engine operation. Engines
// return it instead of raising; Err is populated only for unexpected
// failures, Reason for expected ones.
type Result struct {
	OK             bool
	Reason         string
	RetryAfter     time.Duration
	ShouldEscalate bool
	Err            error
}

// OKResult is the zero-friction success result.
func OKResult() Result { return Result{OK: true} }

// Failure builds a failed result with a reason code.
func Failure(reason string) Result { return Result{Reason: reason} }
