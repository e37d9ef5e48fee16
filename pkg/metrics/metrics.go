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

// Package metrics holds the process-wide Prometheus collectors for every
// decision path in the dispatch core. Engines publish here; the scrape
// endpoint lives outside the core and reads Registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "dispatch"

// Registry is the registry the metrics endpoint exposes. Engines never
// touch the default global registry.
var Registry = prometheus.NewRegistry()

var (
	AssignmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "assignment",
		Name:      "decisions_total",
		Help:      "Single-order assignment decisions partitioned by result.",
	}, []string{"result"})

	ReassignmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "reassignment",
		Name:      "decisions_total",
		Help:      "SLA reassignment decisions partitioned by result.",
	}, []string{"result"})

	OrdersAtRisk = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "reassignment",
		Name:      "orders_at_risk",
		Help:      "Orders per SLA risk category as of the last scan.",
	}, []string{"category"})

	BatchesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "batching",
		Name:      "batches_created_total",
		Help:      "Batches persisted with a driver and route.",
	})

	BatchCyclesSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "batching",
		Name:      "cycles_skipped_total",
		Help:      "Batching cycles skipped because the previous cycle was still running.",
	})

	MatrixRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "matrix",
		Name:      "requests_total",
		Help:      "Matrix requests partitioned by the source that served them.",
	}, []string{"source"})

	MatrixFallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "matrix",
		Name:      "fallback_total",
		Help:      "Degraded-mode haversine fallbacks partitioned by cause.",
	}, []string{"reason"})

	OptimizerEngineTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "optimizer",
		Name:      "engine_total",
		Help:      "Route optimizer engine selections with the deciding rule.",
	}, []string{"engine", "reason"})

	TriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "trigger",
		Name:      "requests_total",
		Help:      "Agent trigger requests partitioned by outcome.",
	}, []string{"outcome"})

	ErrorsTrackedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "errors",
		Name:      "tracked_total",
		Help:      "Errors reported to the monitoring sink.",
	}, []string{"category", "severity"})

	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "errors",
		Name:      "alerts_total",
		Help:      "Alert threshold crossings published to subscribers.",
	}, []string{"alert"})
)

func init() {
	Registry.MustRegister(
		AssignmentsTotal,
		ReassignmentsTotal,
		OrdersAtRisk,
		BatchesCreatedTotal,
		BatchCyclesSkippedTotal,
		MatrixRequestsTotal,
		MatrixFallbackTotal,
		OptimizerEngineTotal,
		TriggersTotal,
		ErrorsTrackedTotal,
		AlertsTotal,
	)
}
