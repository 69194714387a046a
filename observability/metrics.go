package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// SettlementMetrics captures counters and histograms for the settlement daemon.
type SettlementMetrics struct {
	batches         *prometheus.CounterVec
	liquidityChecks *prometheus.CounterVec
	liquidityOrders *prometheus.CounterVec
	payoutOrders    *prometheus.CounterVec
	priceLookups    *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobSkips        *prometheus.CounterVec
}

// Settlement returns the lazily-initialised metrics registry used by settled.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "batch",
				Name:      "events_total",
				Help:      "Batch lifecycle events segmented by output asset and event.",
			}, []string{"asset", "event"}),
			liquidityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "liquidity",
				Name:      "checks_total",
				Help:      "Liquidity checks segmented by target asset and outcome.",
			}, []string{"asset", "outcome"}),
			liquidityOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "liquidity",
				Name:      "orders_total",
				Help:      "Liquidity orders created segmented by type.",
			}, []string{"type"}),
			payoutOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "payout",
				Name:      "transitions_total",
				Help:      "Payout order transitions segmented by blockchain and resulting status.",
			}, []string{"blockchain", "status"}),
			priceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "pricing",
				Name:      "lookups_total",
				Help:      "Price resolutions segmented by path and outcome.",
			}, []string{"path", "outcome"}),
			alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "notify",
				Name:      "alerts_total",
				Help:      "Operator alerts segmented by subject and delivery outcome.",
			}, []string{"subject", "outcome"}),
			jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settlehub",
				Subsystem: "jobs",
				Name:      "run_duration_seconds",
				Help:      "Duration of orchestration job runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job", "outcome"}),
			jobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlehub",
				Subsystem: "jobs",
				Name:      "skips_total",
				Help:      "Job runs skipped because the advisory lock was held.",
			}, []string{"job"}),
		}
		prometheus.MustRegister(
			settlementRegistry.batches,
			settlementRegistry.liquidityChecks,
			settlementRegistry.liquidityOrders,
			settlementRegistry.payoutOrders,
			settlementRegistry.priceLookups,
			settlementRegistry.alerts,
			settlementRegistry.jobDuration,
			settlementRegistry.jobSkips,
		)
	})
	return settlementRegistry
}

// RecordBatch counts a batch lifecycle event such as "created", "aborted" or
// "complete".
func (m *SettlementMetrics) RecordBatch(asset, event string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(label(asset), label(event)).Inc()
}

// RecordLiquidityCheck counts a liquidity check outcome.
func (m *SettlementMetrics) RecordLiquidityCheck(asset, outcome string) {
	if m == nil {
		return
	}
	m.liquidityChecks.WithLabelValues(label(asset), label(outcome)).Inc()
}

// RecordLiquidityOrder counts a created liquidity order.
func (m *SettlementMetrics) RecordLiquidityOrder(orderType string) {
	if m == nil {
		return
	}
	m.liquidityOrders.WithLabelValues(label(orderType)).Inc()
}

// RecordPayoutTransition counts payout orders entering status.
func (m *SettlementMetrics) RecordPayoutTransition(blockchain, status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.payoutOrders.WithLabelValues(label(blockchain), label(status)).Add(float64(count))
}

// RecordPriceLookup counts a price resolution.
func (m *SettlementMetrics) RecordPriceLookup(path, outcome string) {
	if m == nil {
		return
	}
	m.priceLookups.WithLabelValues(label(path), label(outcome)).Inc()
}

// RecordAlert counts an operator alert. Outcomes are "sent", "suppressed" or
// "failed".
func (m *SettlementMetrics) RecordAlert(subject, outcome string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(label(subject), label(outcome)).Inc()
}

// ObserveJob records the duration of one job run.
func (m *SettlementMetrics) ObserveJob(job, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(label(job), label(outcome)).Observe(duration.Seconds())
}

// RecordJobSkip counts a run skipped because the lock was held.
func (m *SettlementMetrics) RecordJobSkip(job string) {
	if m == nil {
		return
	}
	m.jobSkips.WithLabelValues(label(job)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
