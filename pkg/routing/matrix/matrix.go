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

package matrix

import (
	"github.com/fleetops/dispatch/pkg/fleet"
)

// Matrix is an n*n travel matrix: distances in meters, durations in
// seconds. It is a pass-through of whatever the router reports; no symmetry
// is assumed.
type Matrix struct {
	Distances [][]float64 `json:"distances"`
	Durations [][]float64 `json:"durations"`
}

// Zero returns an n*n zero matrix.
func Zero(n int) *Matrix {
	m := &Matrix{
		Distances: make([][]float64, n),
		Durations: make([][]float64, n),
	}
	for i := range m.Distances {
		m.Distances[i] = make([]float64, n)
		m.Durations[i] = make([]float64, n)
	}
	return m
}

// haversineFallbackSpeedKmh is the assumed travel speed when the routing
// engine is unreachable and distances degrade to great circles.
const haversineFallbackSpeedKmh = 30.0

// HaversineFallback builds a degraded matrix from great-circle distances.
// Durations assume a flat 30km/h. Fallback results are never cached.
func HaversineFallback(coords []fleet.Location) *Matrix {
	m := Zero(len(coords))
	for i, a := range coords {
		for j, b := range coords {
			if i == j {
				continue
			}
			km := fleet.HaversineKm(a, b)
			m.Distances[i][j] = km * 1000
			m.Durations[i][j] = (km / haversineFallbackSpeedKmh) * 3600
		}
	}
	return m
}
