// Package observability hosts the prometheus collectors shared by the
// settlement pipeline. Collectors are registered lazily so tests can import
// the package without double-registration panics.
package observability

import (
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics instruments reconciliation runs.
type SettlementMetrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	recipients    prometheus.Counter
	settledUnits  prometheus.Counter
	verifyFails   prometheus.Counter
	stuckDebtors  prometheus.Gauge
	batchGasLimit prometheus.Gauge
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	announceOnce sync.Once
	announceReg  *AnnounceMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Settlement runs segmented by outcome (completed, failed, noop).",
			}, []string{"outcome"}),
			runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of settlement runs.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			recipients: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "recipients_settled_total",
				Help:      "Recipients whose entries were marked claimable.",
			}),
			settledUnits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "settled_base_units_total",
				Help:      "Cumulative settled amount in base units.",
			}),
			verifyFails: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "verification_failures_total",
				Help:      "Per-recipient verification mismatches or read failures.",
			}),
			stuckDebtors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "stuck_recipients",
				Help:      "Recipients whose verification fail streak is at or above the alert threshold.",
			}),
			batchGasLimit: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "commitpay",
				Subsystem: "settlement",
				Name:      "batch_gas_limit",
				Help:      "Gas limit used for the most recent batch allocation.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.runs,
			settlementReg.runDuration,
			settlementReg.recipients,
			settlementReg.settledUnits,
			settlementReg.verifyFails,
			settlementReg.stuckDebtors,
			settlementReg.batchGasLimit,
		)
	})
	return settlementReg
}

// ObserveRun records a completed run with its outcome and duration.
func (m *SettlementMetrics) ObserveRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordSettled adds a settled recipient with the base-unit amount credited.
func (m *SettlementMetrics) RecordSettled(baseUnits *big.Int) {
	if m == nil {
		return
	}
	m.recipients.Inc()
	if baseUnits != nil {
		f, _ := new(big.Float).SetInt(baseUnits).Float64()
		m.settledUnits.Add(f)
	}
}

// RecordVerificationFailure counts a per-recipient verification failure.
func (m *SettlementMetrics) RecordVerificationFailure() {
	if m == nil {
		return
	}
	m.verifyFails.Inc()
}

// SetStuck updates the stuck-recipient gauge.
func (m *SettlementMetrics) SetStuck(count int) {
	if m == nil {
		return
	}
	m.stuckDebtors.Set(float64(count))
}

// RecordGasLimit tracks the gas limit chosen for the latest batch.
func (m *SettlementMetrics) RecordGasLimit(limit uint64) {
	if m == nil {
		return
	}
	m.batchGasLimit.Set(float64(limit))
}

// AnnounceMetrics instruments the best-effort announcement emitter.
type AnnounceMetrics struct {
	delivered prometheus.Counter
	failures  *prometheus.CounterVec
	dropped   prometheus.Counter
	depth     prometheus.Gauge
}

// Announce returns the lazily-initialised announcement metrics registry.
func Announce() *AnnounceMetrics {
	announceOnce.Do(func() {
		announceReg = &AnnounceMetrics{
			delivered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "announce",
				Name:      "delivered_total",
				Help:      "Announcements delivered to the webhook endpoint.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "announce",
				Name:      "failures_total",
				Help:      "Announcement delivery failures segmented by reason.",
			}, []string{"reason"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "commitpay",
				Subsystem: "announce",
				Name:      "dropped_total",
				Help:      "Announcements dropped because the queue was full or retries were exhausted.",
			}),
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "commitpay",
				Subsystem: "announce",
				Name:      "queue_depth",
				Help:      "Announcements waiting for delivery.",
			}),
		}
		prometheus.MustRegister(
			announceReg.delivered,
			announceReg.failures,
			announceReg.dropped,
			announceReg.depth,
		)
	})
	return announceReg
}

// RecordDelivered counts a successful webhook delivery.
func (m *AnnounceMetrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// RecordFailure counts a delivery failure. Reasons should be stable strings
// such as "marshal" or "exhausted" so dashboards stay consistent.
func (m *AnnounceMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(reason).Inc()
}

// RecordDropped counts an announcement abandoned without delivery.
func (m *AnnounceMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// SetQueueDepth updates the pending-announcement gauge.
func (m *AnnounceMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}
