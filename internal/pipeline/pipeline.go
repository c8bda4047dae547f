// Package pipeline connects the analysis worker's captured cycles to the
// analyzer, the loss accountant, and the stats store.
package pipeline

import (
	"log/slog"

	"github.com/zbynekdrlik/audiotester/internal/analyzer"
	"github.com/zbynekdrlik/audiotester/internal/logging"
	"github.com/zbynekdrlik/audiotester/internal/loss"
	"github.com/zbynekdrlik/audiotester/internal/observability/metrics"
	"github.com/zbynekdrlik/audiotester/internal/signalgen"
	"github.com/zbynekdrlik/audiotester/internal/stats"
)

// Pipeline processes one captured cycle at a time on the worker goroutine.
type Pipeline struct {
	analyzer   *analyzer.Analyzer
	decoder    *signalgen.CounterDecoder
	accountant *loss.Accountant
	store      *stats.Store
	metrics    *metrics.EngineMetrics
	log        *slog.Logger

	wasSignalLost bool
}

// New wires the per-cycle processing chain.
func New(an *analyzer.Analyzer, dec *signalgen.CounterDecoder, acc *loss.Accountant, store *stats.Store, m *metrics.EngineMetrics) *Pipeline {
	return &Pipeline{
		analyzer:   an,
		decoder:    dec,
		accountant: acc,
		store:      store,
		metrics:    m,
		log:        logging.ForService("pipeline"),
	}
}

// ProcessCycle implements audio.CycleProcessor.
func (p *Pipeline) ProcessCycle(signal, counter []float64) {
	m := p.analyzer.Analyze(signal)
	decoded := p.decoder.Decode(counter)

	deltas := p.accountant.Observe(loss.CycleInput{
		Markers:          decoded.Markers,
		CounterSilent:    decoded.Silent,
		MeasurementValid: m.Valid,
	})

	p.store.RecordMeasurement(m)
	p.store.RecordLoss(deltas.Lost)
	p.store.RecordCorruption(deltas.Corrupted)

	state := p.accountant.State()
	p.store.SetLossState(state)

	if p.metrics != nil {
		p.metrics.RecordMeasurement(m.LatencyMs, m.Confidence, m.Valid)
		p.metrics.RecordLoss(deltas.Lost, deltas.Corrupted)
	}

	switch {
	case state.SignalLost && !p.wasSignalLost:
		p.log.Warn("signal_lost",
			"latency_ms", m.LatencyMs,
			"confidence", m.Confidence,
			"aliased", m.Aliased)
	case !state.SignalLost && p.wasSignalLost:
		p.log.Info("signal_recovered",
			"latency_ms", m.LatencyMs,
			"confidence", m.Confidence)
	}
	p.wasSignalLost = state.SignalLost

	if decoded.Silent {
		p.log.Debug("counter channel silent",
			"estimated_loss", state.EstimatedLoss)
	}
}

// Reset clears per-run state across engine stop/start.
func (p *Pipeline) Reset() {
	p.decoder.Reset()
	p.accountant.Reset()
	p.wasSignalLost = false
}
