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

package options

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/fleetops/dispatch/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Service
	MetricsPort     int
	HealthProbePort int
	DatabaseURL     string
	RedisAddr       string
	RouterEndpoint  string
	CVRPEndpoint    string
	// Dispatch
	DefaultSLAMinutes     int
	DispatchInterval      time.Duration
	ReassignScanInterval  time.Duration
	ReassignMaxDistanceKm float64
	MaxDailyHours         float64
	ReturnDistanceKm      float64
	// Batching
	BatchingInterval  time.Duration
	MaxBatchDistanceM int
	MinOrdersPerBatch int
	MaxOrdersPerBatch int
	MaxBatchSLASpread time.Duration
	// Routing
	CVRPEnabled       bool
	CVRPMinDeliveries int
	MatrixCacheTTL    time.Duration
	// Triggers
	TriggerCooldown time.Duration
	AgentCooldown   time.Duration
	// Error tracking
	ErrorHighRatePerMinute float64
	ErrorCriticalPerHour   int
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("dispatcher", flag.ContinueOnError)
	opts.FlagSet = f

	// Service
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the dispatch core itself")
	f.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting supervisor health")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "PostgreSQL connection string for the fleet database")
	f.StringVar(&opts.RedisAddr, "redis-addr", env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "Redis address for the shared distance matrix cache")
	f.StringVar(&opts.RouterEndpoint, "router-endpoint", env.WithDefaultString("EXTERNAL_ROUTER_URL", ""), "Base URL of the external OSRM-compatible routing engine. Empty disables it; distance falls back to haversine")
	f.StringVar(&opts.CVRPEndpoint, "cvrp-endpoint", env.WithDefaultString("CVRP_SOLVER_URL", ""), "Base URL of the CVRP solver service")

	// Dispatch
	f.IntVar(&opts.DefaultSLAMinutes, "default-sla-minutes", env.WithDefaultInt("DEFAULT_SLA_MINUTES", 120), "Deadline offset applied to orders created without an explicit SLA")
	f.DurationVar(&opts.DispatchInterval, "dispatch-interval", env.WithDefaultDuration("DISPATCH_INTERVAL", 30*time.Second), "How often the autonomous loop retries pending orders")
	f.DurationVar(&opts.ReassignScanInterval, "reassign-scan-interval", env.WithDefaultDuration("REASSIGN_SCAN_INTERVAL", time.Minute), "How often in-flight orders are scanned for SLA risk")
	f.Float64Var(&opts.ReassignMaxDistanceKm, "reassign-max-distance-km", env.WithDefaultFloat64("REASSIGN_MAX_DISTANCE_KM", 20), "Maximum rescue-driver distance from the pickup during reassignment")
	f.Float64Var(&opts.MaxDailyHours, "max-daily-hours", env.WithDefaultFloat64("MAX_DAILY_HOURS", 10), "Daily working-hour cap per driver")
	f.Float64Var(&opts.ReturnDistanceKm, "return-distance-km", env.WithDefaultFloat64("RETURN_DISTANCE_KM", 15), "Distance from base beyond which a driver enters RETURNING after a delivery")

	// Batching
	f.DurationVar(&opts.BatchingInterval, "batching-interval", env.WithDefaultDuration("BATCHING_INTERVAL", 10*time.Minute), "How often the batching cycle runs")
	f.IntVar(&opts.MaxBatchDistanceM, "max-batch-distance-m", env.WithDefaultInt("MAX_BATCH_DISTANCE_M", 3000), "Maximum pickup distance in meters between orders in one batch")
	f.IntVar(&opts.MinOrdersPerBatch, "min-orders-per-batch", env.WithDefaultInt("MIN_ORDERS_PER_BATCH", 2), "Minimum cluster size to form a batch")
	f.IntVar(&opts.MaxOrdersPerBatch, "max-orders-per-batch", env.WithDefaultInt("MAX_ORDERS_PER_BATCH", 5), "Maximum cluster size of a batch")
	f.DurationVar(&opts.MaxBatchSLASpread, "max-batch-sla-spread", env.WithDefaultDuration("MAX_BATCH_SLA_SPREAD", time.Hour), "Maximum deadline spread across orders in one batch")

	// Routing
	f.BoolVar(&opts.CVRPEnabled, "cvrp-enabled", env.WithDefaultBool("CVRP_ENABLED", true), "Allow the route optimizer to use the external CVRP solver")
	f.IntVar(&opts.CVRPMinDeliveries, "cvrp-min-deliveries", env.WithDefaultInt("CVRP_MIN_DELIVERIES", 10), "Minimum delivery count for an explicitly requested CVRP solve")
	f.DurationVar(&opts.MatrixCacheTTL, "matrix-cache-ttl", env.WithDefaultDuration("MATRIX_CACHE_TTL", 5*time.Minute), "TTL for cached distance matrices")

	// Triggers
	f.DurationVar(&opts.TriggerCooldown, "trigger-cooldown", env.WithDefaultDuration("TRIGGER_COOLDOWN", time.Minute), "Global cooldown between agent-triggered dispatch passes")
	f.DurationVar(&opts.AgentCooldown, "agent-cooldown", env.WithDefaultDuration("AGENT_COOLDOWN", 5*time.Minute), "Per-agent cooldown between triggered dispatch passes")

	// Error tracking
	f.Float64Var(&opts.ErrorHighRatePerMinute, "error-high-rate-per-minute", env.WithDefaultFloat64("ERROR_HIGH_RATE_PER_MINUTE", 10), "Errors per minute over five minutes that raise HIGH_ERROR_RATE")
	f.IntVar(&opts.ErrorCriticalPerHour, "error-critical-per-hour", env.WithDefaultInt("ERROR_CRITICAL_PER_HOUR", 5), "Critical errors per hour that raise CRITICAL_ERROR_THRESHOLD")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}
