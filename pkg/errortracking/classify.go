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

package errortracking

import (
	"errors"
	"strings"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// Category buckets tracked errors by origin.
type Category string

const (
	CategoryDatabase        Category = "database"
	CategoryAgent           Category = "agent"
	CategoryAPI             Category = "api"
	CategoryValidation      Category = "validation"
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryExternalService Category = "external_service"
	CategorySystem          Category = "system"
	CategoryUnknown         Category = "unknown"
)

// Severity ranks tracked errors for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classify maps an error to its category and severity. Sentinel errors from
// the engines classify precisely; everything else falls back to message
// heuristics and lands in unknown/medium at worst.
func Classify(err error) (Category, Severity) {
	switch {
	case err == nil:
		return CategoryUnknown, SeverityInfo
	case errors.Is(err, fleet.ErrNotInitialized):
		return CategorySystem, SeverityCritical
	case errors.Is(err, fleet.ErrMaxReassignAttempts):
		return CategoryAgent, SeverityHigh
	case errors.Is(err, fleet.ErrIllegalTransition):
		return CategoryValidation, SeverityMedium
	case errors.Is(err, fleet.ErrNoAvailableDrivers):
		return CategoryAgent, SeverityMedium
	case errors.Is(err, fleet.ErrExternalRouter), errors.Is(err, fleet.ErrCVRPFailed):
		return CategoryExternalService, SeverityHigh
	case errors.Is(err, fleet.ErrNotFound):
		return CategoryValidation, SeverityLow
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "sql", "pq:", "pgx", "database", "deadlock", "constraint"):
		return CategoryDatabase, SeverityHigh
	case containsAny(msg, "unauthenticated", "invalid token", "login"):
		return CategoryAuthentication, SeverityHigh
	case containsAny(msg, "forbidden", "permission", "not allowed"):
		return CategoryAuthorization, SeverityMedium
	case containsAny(msg, "timeout", "deadline exceeded", "connection refused", "502", "503"):
		return CategoryExternalService, SeverityHigh
	// system markers outrank validation: runtime panics mention "invalid
	// memory address"
	case containsAny(msg, "panic", "out of memory", "nil pointer"):
		return CategorySystem, SeverityCritical
	case containsAny(msg, "invalid", "validation", "malformed", "required field"):
		return CategoryValidation, SeverityLow
	case containsAny(msg, "request", "handler", "route"):
		return CategoryAPI, SeverityMedium
	}
	return CategoryUnknown, SeverityMedium
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
