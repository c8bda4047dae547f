// Package metrics provides Prometheus metrics for the measurement engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains Prometheus metrics for the audio engine and the
// analysis pipeline.
type EngineMetrics struct {
	registry *prometheus.Registry

	droppedBlocksTotal prometheus.Counter
	reconnectsTotal    prometheus.Counter

	measurementsTotal *prometheus.CounterVec
	latencyGauge      prometheus.Gauge
	confidenceGauge   prometheus.Gauge
	analysisDuration  prometheus.Histogram

	lostSamplesTotal      prometheus.Counter
	corruptedSamplesTotal prometheus.Counter
}

// NewEngineMetrics creates and registers the engine metrics.
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() error {
	m.droppedBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audiotester_dropped_blocks_total",
		Help: "Capture blocks dropped due to ring buffer overrun or worker backlog",
	})

	m.reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audiotester_reconnects_total",
		Help: "Successful mid-run stream reconnections",
	})

	m.measurementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audiotester_measurements_total",
		Help: "Analysis cycles by validity",
	}, []string{"valid"})

	m.latencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audiotester_latency_ms",
		Help: "Most recent valid round-trip latency in milliseconds",
	})

	m.confidenceGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audiotester_confidence",
		Help: "Most recent correlation confidence",
	})

	m.analysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audiotester_analysis_duration_seconds",
		Help:    "Time spent processing one analysis cycle",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	m.lostSamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audiotester_lost_samples_total",
		Help: "Total lost samples accounted from the counter channel",
	})

	m.corruptedSamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audiotester_corrupted_samples_total",
		Help: "Total corrupted samples (parity failures on the counter channel)",
	})

	collectors := []prometheus.Collector{
		m.droppedBlocksTotal,
		m.reconnectsTotal,
		m.measurementsTotal,
		m.latencyGauge,
		m.confidenceGauge,
		m.analysisDuration,
		m.lostSamplesTotal,
		m.corruptedSamplesTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordDroppedBlock counts one dropped capture block.
func (m *EngineMetrics) RecordDroppedBlock() {
	m.droppedBlocksTotal.Inc()
}

// RecordReconnect counts one successful reconnection.
func (m *EngineMetrics) RecordReconnect() {
	m.reconnectsTotal.Inc()
}

// RecordMeasurement records one analysis cycle result.
func (m *EngineMetrics) RecordMeasurement(latencyMs, confidence float64, valid bool) {
	if valid {
		m.measurementsTotal.WithLabelValues("true").Inc()
		m.latencyGauge.Set(latencyMs)
	} else {
		m.measurementsTotal.WithLabelValues("false").Inc()
	}
	m.confidenceGauge.Set(confidence)
}

// RecordAnalysisDuration records the time one cycle took to process.
func (m *EngineMetrics) RecordAnalysisDuration(d time.Duration) {
	m.analysisDuration.Observe(d.Seconds())
}

// RecordLoss records lost and corrupted sample deltas.
func (m *EngineMetrics) RecordLoss(lost, corrupted uint64) {
	if lost > 0 {
		m.lostSamplesTotal.Add(float64(lost))
	}
	if corrupted > 0 {
		m.corruptedSamplesTotal.Add(float64(corrupted))
	}
}
