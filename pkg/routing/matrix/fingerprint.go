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
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// Fingerprint computes the content address of an ordered coordinate list:
// each point rendered as lng,lat at 5 decimals (~1m resolution), joined by
// semicolons, SHA-1 hashed. Permuting the list changes the fingerprint;
// precision beyond 5 decimals does not.
func Fingerprint(coords []fleet.Location) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%.5f,%.5f", c.Lng, c.Lat)
	}
	sum := sha1.Sum([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}
