package sink

import (
	"context"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink turns cycle results into Prometheus series
type MetricsSink struct {
	registry *prometheus.Registry

	cycles            *prometheus.CounterVec
	cycleErrors       *prometheus.CounterVec
	attempts          prometheus.Histogram
	duration          prometheus.Histogram
	lastRate          *prometheus.GaugeVec
	lastConfirmedTime *prometheus.GaugeVec
	lastSequence      *prometheus.GaugeVec
	skippedTicks      prometheus.Counter
}

func NewMetricsSink(namespace string) *MetricsSink {
	if namespace == "" {
		namespace = "price_oracle"
	}

	m := &MetricsSink{registry: prometheus.NewRegistry()}

	m.cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Completed cycles by outcome",
		},
		[]string{"pair", "outcome"},
	)
	m.cycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "errors_total",
			Help:      "Unsuccessful cycles by error kind and code",
		},
		[]string{"pair", "kind", "code"},
	)
	m.attempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "attempts",
			Help:      "Attempts needed per cycle",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)
	m.duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall time per cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)
	m.lastRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "last_confirmed_rate",
			Help:      "Rate carried by the last confirmed submission",
		},
		[]string{"pair"},
	)
	m.lastConfirmedTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "last_confirmed_timestamp_seconds",
			Help:      "Unix time of the last confirmed submission",
		},
		[]string{"pair"},
	)
	m.lastSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "last_sequence",
			Help:      "Sequence number of the last submitted envelope",
		},
		[]string{"pair"},
	)
	m.skippedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_ticks_total",
			Help:      "Ticks skipped because a cycle was still running",
		},
	)

	m.registry.MustRegister(
		m.cycles,
		m.cycleErrors,
		m.attempts,
		m.duration,
		m.lastRate,
		m.lastConfirmedTime,
		m.lastSequence,
		m.skippedTicks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry is served on /metrics
func (m *MetricsSink) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsSink) Name() string {
	return "metrics"
}

func (m *MetricsSink) Emit(_ context.Context, r *types.CycleResult) error {
	m.cycles.WithLabelValues(r.Pair, string(r.Outcome)).Inc()
	m.attempts.Observe(float64(r.Attempts))
	m.duration.Observe(r.Duration().Seconds())

	if r.SequenceNumber != nil {
		m.lastSequence.WithLabelValues(r.Pair).Set(float64(*r.SequenceNumber))
	}
	if r.Outcome == types.Outcome_Confirmed {
		if r.Quote != nil {
			m.lastRate.WithLabelValues(r.Pair).Set(r.Quote.Rate.InexactFloat64())
		}
		m.lastConfirmedTime.WithLabelValues(r.Pair).Set(float64(r.FinishedAt.Unix()))
		return nil
	}
	m.cycleErrors.WithLabelValues(r.Pair, r.ErrorKind, r.ErrorCode).Inc()
	return nil
}

// SkippedTick counts a scheduler tick dropped because a cycle was in flight
func (m *MetricsSink) SkippedTick() {
	m.skippedTicks.Inc()
}
