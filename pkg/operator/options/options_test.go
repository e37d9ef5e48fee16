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

package options_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fleetops/dispatch/pkg/operator/options"
)

var _ = Describe("Parse", func() {
	It("should apply defaults with no flags or environment", func() {
		opts := options.New()
		Expect(opts.Parse([]string{"--database-url", "postgres://localhost/fleet"})).To(Succeed())

		Expect(opts.MetricsPort).To(Equal(8080))
		Expect(opts.HealthProbePort).To(Equal(8081))
		Expect(opts.RedisAddr).To(Equal("localhost:6379"))
		Expect(opts.DefaultSLAMinutes).To(Equal(120))
		Expect(opts.DispatchInterval).To(Equal(30 * time.Second))
		Expect(opts.ReassignScanInterval).To(Equal(time.Minute))
		Expect(opts.ReassignMaxDistanceKm).To(Equal(20.0))
		Expect(opts.BatchingInterval).To(Equal(10 * time.Minute))
		Expect(opts.MaxBatchDistanceM).To(Equal(3000))
		Expect(opts.MinOrdersPerBatch).To(Equal(2))
		Expect(opts.MaxOrdersPerBatch).To(Equal(5))
		Expect(opts.MaxBatchSLASpread).To(Equal(time.Hour))
		Expect(opts.CVRPEnabled).To(BeTrue())
		Expect(opts.CVRPMinDeliveries).To(Equal(10))
		Expect(opts.MatrixCacheTTL).To(Equal(5 * time.Minute))
		Expect(opts.TriggerCooldown).To(Equal(time.Minute))
		Expect(opts.AgentCooldown).To(Equal(5 * time.Minute))
		Expect(opts.ErrorHighRatePerMinute).To(Equal(10.0))
		Expect(opts.ErrorCriticalPerHour).To(Equal(5))
	})
	It("should read defaults from the environment", func() {
		os.Setenv("DATABASE_URL", "postgres://localhost/fleet")
		os.Setenv("DISPATCH_INTERVAL", "15s")
		os.Setenv("CVRP_ENABLED", "false")
		os.Setenv("MAX_ORDERS_PER_BATCH", "8")

		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.DatabaseURL).To(Equal("postgres://localhost/fleet"))
		Expect(opts.DispatchInterval).To(Equal(15 * time.Second))
		Expect(opts.CVRPEnabled).To(BeFalse())
		Expect(opts.MaxOrdersPerBatch).To(Equal(8))
	})
	It("should prefer flags over environment variables", func() {
		os.Setenv("DISPATCH_INTERVAL", "15s")

		opts := options.New()
		Expect(opts.Parse([]string{
			"--database-url", "postgres://localhost/fleet",
			"--dispatch-interval", "45s",
		})).To(Succeed())
		Expect(opts.DispatchInterval).To(Equal(45 * time.Second))
	})
})

var _ = Describe("Validate", func() {
	valid := func() *options.Options {
		opts := options.New()
		Expect(opts.Parse([]string{"--database-url", "postgres://localhost/fleet"})).To(Succeed())
		return opts
	}

	It("should accept a default configuration", func() {
		Expect(valid().Validate()).To(Succeed())
	})
	It("should require the database URL", func() {
		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.Validate()).To(MatchError(ContainSubstring("database-url")))
	})
	It("should reject a relative router endpoint", func() {
		opts := valid()
		opts.RouterEndpoint = "osrm.internal/table"
		Expect(opts.Validate()).To(MatchError(ContainSubstring("router-endpoint")))
	})
	It("should allow empty optional endpoints", func() {
		opts := valid()
		opts.RouterEndpoint = ""
		opts.CVRPEndpoint = ""
		Expect(opts.Validate()).To(Succeed())
	})
	It("should reject inverted batch bounds", func() {
		opts := valid()
		opts.MinOrdersPerBatch = 4
		opts.MaxOrdersPerBatch = 3
		Expect(opts.Validate()).To(MatchError(ContainSubstring("max-orders-per-batch")))
	})
	It("should reject a batch floor below two", func() {
		opts := valid()
		opts.MinOrdersPerBatch = 1
		Expect(opts.Validate()).To(MatchError(ContainSubstring("min-orders-per-batch")))
	})
	It("should reject non-positive intervals", func() {
		opts := valid()
		opts.DispatchInterval = 0
		opts.MatrixCacheTTL = -time.Minute
		err := opts.Validate()
		Expect(err).To(MatchError(ContainSubstring("dispatch-interval")))
		Expect(err).To(MatchError(ContainSubstring("matrix-cache-ttl")))
	})
	It("should collect every violation at once", func() {
		opts := options.New()
		Expect(opts.Parse([]string{"--min-orders-per-batch", "0"})).To(Succeed())
		err := opts.Validate()
		Expect(err).To(MatchError(ContainSubstring("database-url")))
		Expect(err).To(MatchError(ContainSubstring("min-orders-per-batch")))
	})
})
