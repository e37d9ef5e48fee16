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

package batching

import (
	"sort"
	"time"

	"github.com/fleetops/dispatch/pkg/fleet"
)

// ClusterPolicy bounds geographic clustering of batching candidates.
type ClusterPolicy struct {
	MaxDistanceKm float64
	MinOrders     int
	MaxOrders     int
	MaxSLASpread  time.Duration
}

func DefaultClusterPolicy() ClusterPolicy {
	return ClusterPolicy{
		MaxDistanceKm: 3,
		MinOrders:     2,
		MaxOrders:     5,
		MaxSLASpread:  time.Hour,
	}
}

// Cluster groups orders by dropoff proximity with single-link greedy
// absorption: each unclaimed order seeds a cluster, then absorbs every
// remaining order of the same service class whose dropoff lies within
// MaxDistanceKm of the seed dropoff, as long as the SLA spread and size
// bounds hold. Input is sorted by creation time first so the grouping is
// deterministic; clusters smaller than MinOrders are discarded.
func Cluster(orders []*fleet.Order, p ClusterPolicy) [][]*fleet.Order {
	sorted := make([]*fleet.Order, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	claimed := make([]bool, len(sorted))
	var clusters [][]*fleet.Order
	for i, seed := range sorted {
		if claimed[i] {
			continue
		}
		claimed[i] = true
		cluster := []*fleet.Order{seed}
		for j := i + 1; j < len(sorted); j++ {
			if claimed[j] || len(cluster) >= p.MaxOrders {
				continue
			}
			candidate := sorted[j]
			if candidate.ServiceClass != seed.ServiceClass {
				continue
			}
			if fleet.HaversineKm(seed.Dropoff, candidate.Dropoff) > p.MaxDistanceKm {
				continue
			}
			if fleet.SLASpread(append(cluster, candidate)) > p.MaxSLASpread {
				continue
			}
			claimed[j] = true
			cluster = append(cluster, candidate)
		}
		if len(cluster) >= p.MinOrders {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}
