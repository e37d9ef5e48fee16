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

package cvrp_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/routing/cvrp"
)

var _ = Describe("Healthy", func() {
	It("should report a healthy solver", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/health"))
			fmt.Fprint(w, `{"healthy":true}`)
		}))
		defer server.Close()

		Expect(cvrp.NewClient(server.URL).Healthy(ctx)).To(BeTrue())
	})
	It("should report an unhealthy solver", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"healthy":false}`)
		}))
		defer server.Close()

		Expect(cvrp.NewClient(server.URL).Healthy(ctx)).To(BeFalse())
	})
	It("should stop probing once the breaker opens", func() {
		var probes atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			probes.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"healthy":false}`)
		}))
		defer server.Close()

		client := cvrp.NewClient(server.URL)
		for i := 0; i < 10; i++ {
			Expect(client.Healthy(ctx)).To(BeFalse())
		}
		// breaker opens after three consecutive failures; the remaining
		// calls fail fast without a probe
		Expect(probes.Load()).To(Equal(int32(3)))
	})
})

var _ = Describe("Optimize", func() {
	It("should post the request and decode the routes", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/optimize"))
			var req cvrp.Request
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.Locations).To(HaveLen(2))
			fmt.Fprint(w, `{"routes":[{"stops":[{"location_id":"o-1"},{"location_id":"o-2"}],"total_distance":4200}]}`)
		}))
		defer server.Close()

		resp, err := cvrp.NewClient(server.URL).Optimize(ctx, cvrp.Request{
			Depot: cvrp.Point{Lat: 10.77, Lng: 106.70},
			Locations: []cvrp.Delivery{
				{ID: "o-1", Demand: 2},
				{ID: "o-2", Demand: 3},
			},
			Vehicles: []cvrp.Vehicle{{ID: "d-1", Capacity: 30}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Routes).To(HaveLen(1))
		Expect(resp.Routes[0].TotalDistance).To(Equal(4200.0))
		Expect(resp.Routes[0].Stops[1].LocationID).To(Equal("o-2"))
	})
	It("should wrap a non-200 response as a solver failure", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := cvrp.NewClient(server.URL).Optimize(ctx, cvrp.Request{})
		Expect(err).To(MatchError(fleet.ErrCVRPFailed))
	})
})
