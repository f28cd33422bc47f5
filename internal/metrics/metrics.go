// Package metrics collects and exposes orchestrator runtime observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-obligation-type counters + time
//     series) for the lightweight JSON /metrics endpoint used by the
//     operator dashboard.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both allows the dashboard to work without a Prometheus sidecar
// while still supporting enterprise monitoring stacks.
//
// # Concurrency — hot path
//
// RecordObligationWithDetails is called from the reconciliation loop on
// every obligation tick and must be as fast as possible. It uses atomic
// increments for global counters and dispatches a lightweight event onto a
// buffered channel (tsChan) for the time-series worker to process
// asynchronously. This avoids holding any lock on the hot path.
//
// The per-type ObligationTypeMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-type entries is read-heavy
// and write-once-per-new-type, which is the ideal use case for sync.Map.
//
// # Invariants
//
//   - TotalObligations == SucceededObligations + FailedObligations
//     (maintained by RecordObligation and RecordObligationWithDetails).
//   - RetriedObligations <= TotalObligations.
//   - The time-series ring buffer holds at most timeSeriesBucketCount buckets
//     (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Obligations  int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes orchestrator runtime metrics.
type Metrics struct {
	// Obligation dispatch metrics
	TotalObligations     atomic.Int64
	SucceededObligations atomic.Int64
	FailedObligations    atomic.Int64
	RetriedObligations   atomic.Int64
	ExpiredObligations   atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// VM lifecycle metrics
	VMsCreated   atomic.Int64
	VMsStopped   atomic.Int64
	VMsCrashed   atomic.Int64
	VMsReserved  atomic.Int64

	// Node metrics
	NodesRegistered atomic.Int64
	NodesOffline    atomic.Int64
	HeartbeatsTotal atomic.Int64

	// Billing metrics
	SettlementsSucceeded atomic.Int64
	SettlementsFailed    atomic.Int64

	// Per-obligation-type metrics
	typeMetrics sync.Map // domain.ObligationType -> *ObligationTypeMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// ObligationTypeMetrics tracks metrics for a single obligation type.
type ObligationTypeMetrics struct {
	Dispatched atomic.Int64
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	Retried    atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordObligation records an obligation dispatch result.
func (m *Metrics) RecordObligation(obligationType string, durationMs int64, retried bool, success bool) {
	m.RecordObligationWithDetails(obligationType, durationMs, retried, success, false)
}

// RecordObligationWithDetails records an obligation dispatch with full
// detail for Prometheus labels.
func (m *Metrics) RecordObligationWithDetails(obligationType string, durationMs int64, retried bool, success bool, expired bool) {
	m.TotalObligations.Add(1)

	if success {
		m.SucceededObligations.Add(1)
	} else {
		m.FailedObligations.Add(1)
	}
	if retried {
		m.RetriedObligations.Add(1)
	}
	if expired {
		m.ExpiredObligations.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	// Per-type metrics
	tm := m.getTypeMetrics(obligationType)
	tm.Dispatched.Add(1)
	if success {
		tm.Succeeded.Add(1)
	} else {
		tm.Failed.Add(1)
	}
	if retried {
		tm.Retried.Add(1)
	}
	tm.TotalMs.Add(durationMs)
	updateMin(&tm.MinMs, durationMs)
	updateMax(&tm.MaxMs, durationMs)

	// Time series recording
	m.recordTimeSeries(durationMs, !success)

	// Prometheus bridge
	RecordPrometheusObligation(obligationType, durationMs, retried, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot dispatch path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	// Check if we need to rotate buckets
	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	// Record to current bucket
	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Obligations++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVMCreated records a new VM creation.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a VM being stopped.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a VM crash.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// RecordVMReserved records a successful scheduler placement reserving
// capacity on a node.
func (m *Metrics) RecordVMReserved() {
	m.VMsReserved.Add(1)
	RecordPrometheusVMReserved()
}

// RecordNodeRegistered records a new node registration.
func (m *Metrics) RecordNodeRegistered() {
	m.NodesRegistered.Add(1)
	RecordPrometheusNodeRegistered()
}

// RecordNodeOffline records a node transitioning to offline.
func (m *Metrics) RecordNodeOffline() {
	m.NodesOffline.Add(1)
	RecordPrometheusNodeOffline()
}

// RecordHeartbeat records a node heartbeat being processed.
func (m *Metrics) RecordHeartbeat() {
	m.HeartbeatsTotal.Add(1)
	RecordPrometheusHeartbeat()
}

// RecordSettlement records a billing settlement outcome.
func (m *Metrics) RecordSettlement(success bool) {
	if success {
		m.SettlementsSucceeded.Add(1)
	} else {
		m.SettlementsFailed.Add(1)
	}
	RecordPrometheusSettlement(success)
}

func (m *Metrics) getTypeMetrics(obligationType string) *ObligationTypeMetrics {
	if v, ok := m.typeMetrics.Load(obligationType); ok {
		return v.(*ObligationTypeMetrics)
	}

	tm := &ObligationTypeMetrics{}
	tm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.typeMetrics.LoadOrStore(obligationType, tm)
	return actual.(*ObligationTypeMetrics)
}

// GetTypeMetrics returns the metrics for a specific obligation type (or nil if none recorded yet).
func (m *Metrics) GetTypeMetrics(obligationType string) *ObligationTypeMetrics {
	if v, ok := m.typeMetrics.Load(obligationType); ok {
		return v.(*ObligationTypeMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalObligations.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"obligations": map[string]interface{}{
			"total":     total,
			"succeeded": m.SucceededObligations.Load(),
			"failed":    m.FailedObligations.Load(),
			"retried":   m.RetriedObligations.Load(),
			"expired":   m.ExpiredObligations.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"vms": map[string]interface{}{
			"created":  m.VMsCreated.Load(),
			"stopped":  m.VMsStopped.Load(),
			"crashed":  m.VMsCrashed.Load(),
			"reserved": m.VMsReserved.Load(),
		},
		"nodes": map[string]interface{}{
			"registered": m.NodesRegistered.Load(),
			"offline":    m.NodesOffline.Load(),
			"heartbeats": m.HeartbeatsTotal.Load(),
		},
		"billing": map[string]interface{}{
			"settlements_succeeded": m.SettlementsSucceeded.Load(),
			"settlements_failed":    m.SettlementsFailed.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// TypeStats returns per-obligation-type metrics.
func (m *Metrics) TypeStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.typeMetrics.Range(func(key, value interface{}) bool {
		obligationType := key.(string)
		tm := value.(*ObligationTypeMetrics)

		total := tm.Dispatched.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(tm.TotalMs.Load()) / float64(total)
		}

		minMs := tm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[obligationType] = map[string]interface{}{
			"dispatched": total,
			"succeeded":  tm.Succeeded.Load(),
			"failed":     tm.Failed.Load(),
			"retried":    tm.Retried.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     tm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["obligation_types"] = m.TypeStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"obligations":  bucket.Obligations,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
