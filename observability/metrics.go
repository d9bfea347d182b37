package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics tracks engine activity: operation outcomes, rejection
// reasons, liquidations, and accrual volume.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	accrued      *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the lazily-initialised metrics registry for the lending
// engine.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dlend",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by market, operation, and outcome.",
			}, []string{"market", "op", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dlend",
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Operations rejected before commit, segmented by reason.",
			}, []string{"op", "reason"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dlend",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Completed liquidations segmented by borrowed market.",
			}, []string{"market"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dlend",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			accrued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dlend",
				Subsystem: "engine",
				Name:      "interest_accrued_wei_total",
				Help:      "Interest accrued to borrowers, in wei, segmented by market.",
			}, []string{"market"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.rejections,
			lendingRegistry.liquidations,
			lendingRegistry.latency,
			lendingRegistry.accrued,
		)
	})
	return lendingRegistry
}

// RecordOperation counts a completed or failed engine operation.
func (m *LendingMetrics) RecordOperation(market, op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(normalize(market), op, outcome).Inc()
}

// RecordRejection counts a pre-commit rejection by reason.
func (m *LendingMetrics) RecordRejection(op, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(op, reason).Inc()
}

// RecordLiquidation counts a completed liquidation in the borrowed market.
func (m *LendingMetrics) RecordLiquidation(market string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(normalize(market)).Inc()
}

// ObserveLatency records the duration of one engine operation.
func (m *LendingMetrics) ObserveLatency(op string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(seconds)
}

// RecordInterest adds accrued interest volume for a market.
func (m *LendingMetrics) RecordInterest(market string, wei float64) {
	if m == nil || wei <= 0 {
		return
	}
	m.accrued.WithLabelValues(normalize(market)).Add(wei)
}

func normalize(market string) string {
	normalized := strings.TrimSpace(strings.ToUpper(market))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
