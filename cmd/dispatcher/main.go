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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/controllers/batching"
	"github.com/fleetops/dispatch/pkg/controllers/dispatch"
	"github.com/fleetops/dispatch/pkg/controllers/reassignment"
	"github.com/fleetops/dispatch/pkg/errortracking"
	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/metrics"
	"github.com/fleetops/dispatch/pkg/operator"
	"github.com/fleetops/dispatch/pkg/operator/options"
	"github.com/fleetops/dispatch/pkg/routing"
	"github.com/fleetops/dispatch/pkg/routing/cvrp"
	"github.com/fleetops/dispatch/pkg/routing/matrix"
	"github.com/fleetops/dispatch/pkg/state"
	"github.com/fleetops/dispatch/pkg/storage"
	"github.com/fleetops/dispatch/pkg/trigger"
)

func main() {
	opts := options.New().MustParse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Unable to build logger, %s", err))
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}

	store, err := storage.Open(ctx, opts.DatabaseURL)
	if err != nil {
		log.Fatalw("connecting to database failed", "error", err)
	}
	defer store.Close()

	var kv redis.UniversalClient
	if opts.RedisAddr != "" {
		kv = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		defer kv.Close()
	}
	var router matrix.Router
	if opts.RouterEndpoint != "" {
		router = matrix.NewOSRMClient(opts.RouterEndpoint)
	}
	matrices := matrix.NewProvider(kv, router, opts.MatrixCacheTTL, log)

	var solver cvrp.Solver
	if opts.CVRPEndpoint != "" {
		solver = cvrp.NewClient(opts.CVRPEndpoint)
	}
	optimizer := routing.NewOptimizer(solver, matrices, opts.CVRPEnabled && solver != nil, opts.CVRPMinDeliveries, clk, log)

	recorder := events.NewDedupeRecorder(events.NewLoadSheddingRecorder(
		events.RecorderFunc(func(evt events.Event) {
			log.Debugw("event", "kind", evt.Kind, "driver", evt.DriverID, "order", evt.OrderID)
		}),
	))
	sink := errortracking.NewSink(recorder, clk, errortracking.Config{
		Capacity:          1000,
		Retention:         24 * time.Hour,
		HighRatePerMinute: opts.ErrorHighRatePerMinute,
		CriticalPerHour:   opts.ErrorCriticalPerHour,
		ConsecutiveCount:  20,
		ConsecutiveWithin: time.Minute,
	}, log)

	drivers := state.NewEngine(store, recorder, clk, state.Config{
		ReturnDistanceKm: opts.ReturnDistanceKm,
		MaxDailyHours:    opts.MaxDailyHours,
	}, log)
	dispatcher := dispatch.NewEngine(store, drivers, recorder, clk, log)
	reassigner := reassignment.NewEngine(store, recorder, clk, reassignment.Config{
		MaxDistanceKm: opts.ReassignMaxDistanceKm,
		MinOnTimeRate: 0.9,
		MaxDailyHours: opts.MaxDailyHours,
	}, log)
	batcher := batching.NewEngine(store, drivers, optimizer, recorder, clk, batching.Config{
		Cluster: batching.ClusterPolicy{
			MaxDistanceKm: float64(opts.MaxBatchDistanceM) / 1000,
			MinOrders:     opts.MinOrdersPerBatch,
			MaxOrders:     opts.MaxOrdersPerBatch,
			MaxSLASpread:  opts.MaxBatchSLASpread,
		},
		MaxOrderAge:    30 * time.Minute,
		MinSLABudget:   30 * time.Minute,
		MaxCycleOrders: 50,
		DriverRadiusKm: 10,
	}, log)

	supervisor, err := operator.NewSupervisor(operator.Config{
		Dispatch:             dispatcher,
		Reassignment:         reassigner,
		Batching:             batcher,
		Drivers:              drivers,
		Errors:               sink,
		DispatchInterval:     opts.DispatchInterval,
		ReassignScanInterval: opts.ReassignScanInterval,
		BatchingInterval:     opts.BatchingInterval,
	}, clk, log)
	if err != nil {
		log.Fatalw("supervisor initialization failed", "error", err)
	}
	gate := trigger.NewGate(supervisor.Kick, clk, trigger.Config{
		GlobalCooldown:   opts.TriggerCooldown,
		PerAgentCooldown: opts.AgentCooldown,
	}, log)

	go serveMetrics(log, opts.MetricsPort)
	go serveHealth(log, opts.HealthProbePort, supervisor, gate)

	supervisor.Start(ctx)
	<-ctx.Done()
	supervisor.Stop()
}

func serveMetrics(log *zap.SugaredLogger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		log.Errorw("metrics endpoint failed", "error", err)
		os.Exit(1)
	}
}

func serveHealth(log *zap.SugaredLogger, port int, supervisor *operator.Supervisor, gate *trigger.Gate) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := supervisor.Healthy()
		if !health.Operational {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			AgentID  string `json:"agent_id"`
			Priority string `json:"priority"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		res := gate.Trigger(r.Context(), trigger.Request{
			AgentID:  req.AgentID,
			Priority: trigger.Priority(req.Priority),
			Reason:   req.Reason,
		})
		if !res.OK {
			w.WriteHeader(http.StatusTooManyRequests)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":             res.OK,
			"reason":         res.Reason,
			"retry_after_ms": res.RetryAfter.Milliseconds(),
		})
	})
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		log.Errorw("health endpoint failed", "error", err)
		os.Exit(1)
	}
}
