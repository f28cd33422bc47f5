package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for orchestrator metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	obligationsTotal         *prometheus.CounterVec
	obligationsRetriedTotal  prometheus.Counter
	obligationsExpiredTotal  prometheus.Counter
	vmsCreated               prometheus.Counter
	vmsStopped               prometheus.Counter
	vmsCrashed               prometheus.Counter
	vmsReserved              prometheus.Counter
	nodesRegistered          prometheus.Counter
	nodesOffline             prometheus.Counter
	heartbeatsTotal          prometheus.Counter
	settlementsTotal         *prometheus.CounterVec

	// Histograms
	obligationDuration      *prometheus.HistogramVec
	schedulerPlacementMs    *prometheus.HistogramVec
	commandRoundTripMs      *prometheus.HistogramVec

	// Gauges
	uptime           prometheus.GaugeFunc
	activeVMs        prometheus.Gauge
	activeNodes      prometheus.Gauge
	nodeQueueDepth   *prometheus.GaugeVec
	obligationsReady prometheus.Gauge

	// Node channel circuit breaker (rate-limit backend fallback / node comms health)
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for obligation duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		obligationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "obligations_total",
				Help:      "Total number of obligations dispatched",
			},
			[]string{"type", "status"},
		),

		obligationsRetriedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "obligations_retried_total",
				Help:      "Total number of obligation retries",
			},
		),

		obligationsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "obligations_expired_total",
				Help:      "Total number of obligations cancelled after exceeding their deadline",
			},
		),

		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_created_total",
				Help:      "Total VMs created",
			},
		),

		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_stopped_total",
				Help:      "Total VMs stopped",
			},
		),

		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_crashed_total",
				Help:      "Total VMs that crashed unexpectedly",
			},
		),

		vmsReserved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_reserved_total",
				Help:      "Total scheduler placements that reserved node capacity",
			},
		),

		nodesRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_registered_total",
				Help:      "Total node registrations accepted",
			},
		),

		nodesOffline: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_offline_total",
				Help:      "Total node transitions to offline",
			},
		),

		heartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Total node heartbeats processed",
			},
		),

		settlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Total billing settlement attempts by outcome",
			},
			[]string{"status"},
		),

		obligationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "obligation_duration_milliseconds",
				Help:      "Duration of obligation dispatch in milliseconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		schedulerPlacementMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_placement_milliseconds",
				Help:      "Duration of scheduler node-selection in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"tier"},
		),

		commandRoundTripMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_round_trip_milliseconds",
				Help:      "Duration from command queued to node acknowledgement in milliseconds",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"type"},
		),

		activeVMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_vms",
				Help:      "Total number of VMs not in a terminal state",
			},
		),

		activeNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_nodes",
				Help:      "Total number of nodes currently online",
			},
		),

		nodeQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_queue_depth",
				Help:      "Current pending-command queue depth by node",
			},
			[]string{"node"},
		),

		obligationsReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "obligations_ready",
				Help:      "Number of obligations currently in the Ready state awaiting a tick",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current rate-limit backend circuit state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"backend"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total rate-limit backend circuit state transitions",
			},
			[]string{"backend", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the orchestrator process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.obligationsTotal,
		pm.obligationsRetriedTotal,
		pm.obligationsExpiredTotal,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.vmsReserved,
		pm.nodesRegistered,
		pm.nodesOffline,
		pm.heartbeatsTotal,
		pm.settlementsTotal,
		pm.obligationDuration,
		pm.schedulerPlacementMs,
		pm.commandRoundTripMs,
		pm.uptime,
		pm.activeVMs,
		pm.activeNodes,
		pm.nodeQueueDepth,
		pm.obligationsReady,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordPrometheusObligation records an obligation dispatch in Prometheus collectors.
func RecordPrometheusObligation(obligationType string, durationMs int64, retried bool, success bool) {
	if promMetrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.obligationsTotal.WithLabelValues(obligationType, status).Inc()

	if retried {
		promMetrics.obligationsRetriedTotal.Inc()
	}

	promMetrics.obligationDuration.WithLabelValues(obligationType).Observe(float64(durationMs))
}

// RecordPrometheusVMCreated records a VM creation in Prometheus.
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a VM stop in Prometheus.
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a VM crash in Prometheus.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordPrometheusVMReserved records a scheduler placement reserving node capacity.
func RecordPrometheusVMReserved() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsReserved.Inc()
}

// RecordPrometheusNodeRegistered records a node registration in Prometheus.
func RecordPrometheusNodeRegistered() {
	if promMetrics == nil {
		return
	}
	promMetrics.nodesRegistered.Inc()
}

// RecordPrometheusNodeOffline records a node going offline in Prometheus.
func RecordPrometheusNodeOffline() {
	if promMetrics == nil {
		return
	}
	promMetrics.nodesOffline.Inc()
}

// RecordPrometheusHeartbeat records a processed node heartbeat.
func RecordPrometheusHeartbeat() {
	if promMetrics == nil {
		return
	}
	promMetrics.heartbeatsTotal.Inc()
}

// RecordPrometheusSettlement records a billing settlement attempt by outcome.
func RecordPrometheusSettlement(success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.settlementsTotal.WithLabelValues(status).Inc()
}

// RecordSchedulerPlacement records scheduler node-selection latency for a tier.
func RecordSchedulerPlacement(tier string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.schedulerPlacementMs.WithLabelValues(tier).Observe(float64(durationMs))
}

// RecordCommandRoundTrip records the time from a command being queued to its acknowledgement.
func RecordCommandRoundTrip(commandType string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.commandRoundTripMs.WithLabelValues(commandType).Observe(float64(durationMs))
}

// SetActiveVMs sets the total number of VMs not in a terminal state.
func SetActiveVMs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.Set(float64(count))
}

// SetActiveNodes sets the total number of nodes currently online.
func SetActiveNodes(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeNodes.Set(float64(count))
}

// SetNodeQueueDepth sets the pending-command queue depth gauge for a node.
func SetNodeQueueDepth(nodeID string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodeQueueDepth.WithLabelValues(nodeID).Set(float64(depth))
}

// SetObligationsReady sets the count of obligations currently in the Ready state.
func SetObligationsReady(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.obligationsReady.Set(float64(count))
}

// SetCircuitBreakerState sets the rate-limit backend circuit state gauge.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(backend string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// RecordCircuitBreakerTrip records a rate-limit backend circuit state transition.
func RecordCircuitBreakerTrip(backend, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(backend, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
