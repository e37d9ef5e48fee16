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
	"math"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `db:"lat" json:"lat"`
	Lng float64 `db:"lng" json:"lng"`
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two locations in
// kilometers.
func HaversineKm(a, b Location) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*sinLng*sinLng
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Centroid returns the arithmetic mean of the given locations. It is only
// meaningful for points spanning a few kilometers, which is all the
// clustering code ever feeds it.
func Centroid(points []Location) Location {
	if len(points) == 0 {
		return Location{}
	}
	var lat, lng float64
	for _, p := range points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(points))
	return Location{Lat: lat / n, Lng: lng / n}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
