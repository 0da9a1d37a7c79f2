package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics captures finalization engine activity.
type SettlementMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	invariants *prometheus.CounterVec
}

// OutboxMetrics captures notification outbox drainer activity.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	exhausted  prometheus.Counter
	pending    prometheus.Gauge
}

// ExpiryMetrics captures expiry worker activity.
type ExpiryMetrics struct {
	sweeps    *prometheus.CounterVec
	heartbeat prometheus.Gauge
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	outboxOnce sync.Once
	outboxReg  *OutboxMetrics

	expiryOnce sync.Once
	expiryReg  *ExpiryMetrics
)

// Settlement returns the lazily-initialised engine metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Finalization operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settle",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for finalization transactions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			invariants: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "engine",
				Name:      "invariant_failures_total",
				Help:      "Post-commit invariant verification failures by code.",
			}, []string{"code"}),
		}
		prometheus.MustRegister(
			settlementReg.operations,
			settlementReg.latency,
			settlementReg.invariants,
		)
	})
	return settlementReg
}

// Observe records the outcome and duration of an engine operation.
func (m *SettlementMetrics) Observe(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordInvariantFailure counts a post-commit invariant violation.
func (m *SettlementMetrics) RecordInvariantFailure(code string) {
	if m == nil {
		return
	}
	m.invariants.WithLabelValues(code).Inc()
}

// Outbox returns the lazily-initialised outbox metrics registry.
func Outbox() *OutboxMetrics {
	outboxOnce.Do(func() {
		outboxReg = &OutboxMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "outbox",
				Name:      "deliveries_total",
				Help:      "Outbox delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			exhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "outbox",
				Name:      "exhausted_total",
				Help:      "Outbox rows that reached their attempt limit.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "outbox",
				Name:      "pending_rows",
				Help:      "Pending outbox rows observed at the last drain.",
			}),
		}
		prometheus.MustRegister(outboxReg.deliveries, outboxReg.exhausted, outboxReg.pending)
	})
	return outboxReg
}

// RecordDelivery counts one delivery attempt outcome.
func (m *OutboxMetrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RecordExhausted counts a row marked failed after max attempts.
func (m *OutboxMetrics) RecordExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// SetPending records the pending backlog size.
func (m *OutboxMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Expiry returns the lazily-initialised expiry worker metrics registry.
func Expiry() *ExpiryMetrics {
	expiryOnce.Do(func() {
		expiryReg = &ExpiryMetrics{
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "expiry",
				Name:      "orders_total",
				Help:      "Orders processed by the expiry worker segmented by outcome.",
			}, []string{"outcome"}),
			heartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "expiry",
				Name:      "last_sweep_unix_seconds",
				Help:      "Unix timestamp of the last completed expiry sweep.",
			}),
		}
		prometheus.MustRegister(expiryReg.sweeps, expiryReg.heartbeat)
	})
	return expiryReg
}

// RecordSweep counts one expiry attempt outcome.
func (m *ExpiryMetrics) RecordSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
}

// Heartbeat records sweep completion for ops visibility.
func (m *ExpiryMetrics) Heartbeat(t time.Time) {
	if m == nil {
		return
	}
	m.heartbeat.Set(float64(t.Unix()))
}
