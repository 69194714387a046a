package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// counterValue sums the samples of name whose labels include want.
func counterValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		require.Equal(t, dto.MetricType_COUNTER, family.GetType())
		for _, metric := range family.GetMetric() {
			if hasLabels(metric, want) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestSettlementMetricsNilSafe(t *testing.T) {
	var m *SettlementMetrics
	require.NotPanics(t, func() {
		m.RecordBatch("ethereum/USDT", "created")
		m.RecordLiquidityCheck("ethereum/USDT", "available")
		m.RecordLiquidityOrder("purchase")
		m.RecordPayoutTransition("ethereum", "PAYOUT_PENDING", 2)
		m.RecordPriceLookup("FIAT_TO_BTC", "ok")
		m.RecordAlert("swap failed", "sent")
		m.ObserveJob("batching", "ok", time.Second)
		m.RecordJobSkip("batching")
	})
}

func TestSettlementRegistersOnce(t *testing.T) {
	first := Settlement()
	require.Same(t, first, Settlement())

	before := counterValue(t, "settlehub_jobs_skips_total", map[string]string{"job": "payout"})
	first.RecordJobSkip("payout")
	require.Equal(t, before+1, counterValue(t, "settlehub_jobs_skips_total", map[string]string{"job": "payout"}))
}

func TestRecordBatchCountsFeeFailures(t *testing.T) {
	m := Settlement()
	labels := map[string]string{"asset": "ethereum/USDT", "event": "fee_estimate_failed"}
	before := counterValue(t, "settlehub_batch_events_total", labels)
	m.RecordBatch("ethereum/USDT", "fee_estimate_failed")
	m.RecordBatch("ethereum/USDT", "fee_estimate_failed")
	require.Equal(t, before+2, counterValue(t, "settlehub_batch_events_total", labels))
}
