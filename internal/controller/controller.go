// Package controller ties configuration, the analysis pipeline, and the
// audio engine into one lifecycle surface.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zbynekdrlik/audiotester/internal/analyzer"
	"github.com/zbynekdrlik/audiotester/internal/audio"
	"github.com/zbynekdrlik/audiotester/internal/conf"
	"github.com/zbynekdrlik/audiotester/internal/errors"
	"github.com/zbynekdrlik/audiotester/internal/logging"
	"github.com/zbynekdrlik/audiotester/internal/loss"
	"github.com/zbynekdrlik/audiotester/internal/observability/metrics"
	"github.com/zbynekdrlik/audiotester/internal/pipeline"
	"github.com/zbynekdrlik/audiotester/internal/signalgen"
	"github.com/zbynekdrlik/audiotester/internal/stats"
)

// Controller owns one measurement engine and its analysis pipeline.
// Configure rebuilds the pipeline for new settings; Start and Stop drive
// the engine lifecycle. Safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	backend  audio.Backend
	settings *conf.Settings
	metrics  *metrics.EngineMetrics
	clock    func() time.Time
	log      *slog.Logger

	store  *stats.Store
	pipe   *pipeline.Pipeline
	engine *audio.Engine
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithMetrics attaches Prometheus metrics to the engine and pipeline.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// New creates a controller and builds the pipeline from the given settings.
func New(backend audio.Backend, settings *conf.Settings, opts ...Option) (*Controller, error) {
	c := &Controller{
		backend: backend,
		clock:   time.Now,
		log:     logging.ForService("controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = stats.New(c.clock)
	if err := c.configure(settings); err != nil {
		return nil, err
	}
	return c, nil
}

// Configure replaces the active settings and rebuilds the pipeline.
// Rejected while the engine is running; stop first.
func (c *Controller) Configure(settings *conf.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.engine.State(); st != audio.StateStopped && st != audio.StateError {
		return errors.Newf("cannot reconfigure while engine is %s", st).
			Component("controller").
			Category(errors.CategoryState).
			Build()
	}
	return c.configure(settings)
}

// configure validates settings and rebuilds the generator, analyzer,
// accountant, pipeline and engine. Caller holds the mutex (or is New).
func (c *Controller) configure(settings *conf.Settings) error {
	if err := conf.ValidateSettings(settings); err != nil {
		return err
	}

	gen, err := signalgen.NewMLS(settings.Audio.MLSOrder)
	if err != nil {
		return errors.New(err).
			Component("controller").
			Category(errors.CategoryConfiguration).
			Build()
	}

	an := analyzer.New(gen.Sequence(), analyzer.Config{
		SampleRate:          settings.Audio.SampleRate,
		ConfidenceThreshold: settings.Analysis.ConfidenceThreshold,
		MaxLatencyMs:        settings.Analysis.MaxLatencyMs,
		Clock:               c.clock,
	})
	dec := signalgen.NewCounterDecoder(settings.Audio.SampleRate)
	acc := loss.New(loss.Config{
		SampleRate:       settings.Audio.SampleRate,
		SamplesPerCycle:  gen.Length(),
		SignalLostCycles: settings.Analysis.SignalLostCycles,
		Clock:            c.clock,
	})
	c.pipe = pipeline.New(an, dec, acc, c.store, c.metrics)

	engineCfg := audio.Config{
		Device:         settings.Audio.Device,
		SampleRate:     settings.Audio.SampleRate,
		SignalChannel:  settings.Audio.SignalChannel,
		CounterChannel: settings.Audio.CounterChannel,
	}
	policy := audio.ReconnectPolicy{
		MaxAttempts: settings.Reconnect.MaxAttempts,
		BackoffBase: time.Duration(settings.Reconnect.BackoffBaseMs) * time.Millisecond,
	}
	opts := []audio.Option{
		audio.WithDisconnectHook(func(d time.Duration, reconnected bool) {
			c.store.RecordDisconnection(uint64(d.Milliseconds()), reconnected)
		}),
	}
	if c.metrics != nil {
		opts = append(opts, audio.WithMetrics(c.metrics))
	}
	c.engine = audio.New(c.backend, gen, c.pipe, engineCfg, policy, opts...)

	c.settings = settings
	c.log.Info("configured",
		"device", settings.Audio.Device,
		"sample_rate", settings.Audio.SampleRate,
		"mls_order", settings.Audio.MLSOrder,
		"period_samples", gen.Length())
	return nil
}

// Start brings the engine up. Counters and the pipeline reset on every
// start so a new run begins from a clean slate. Idempotent while running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine.State() == audio.StateRunning {
		return nil
	}
	c.pipe.Reset()
	c.store.ResetCounters()
	return c.engine.Start(ctx)
}

// Stop brings the engine down. Idempotent while stopped.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Stop(ctx)
}

// Settings returns the active settings.
func (c *Controller) Settings() *conf.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// State returns the engine lifecycle state.
func (c *Controller) State() audio.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.State()
}

// Snapshot returns the current statistics snapshot.
func (c *Controller) Snapshot() stats.Snapshot {
	return c.store.Snapshot()
}

// QueryTimeline returns bucketed history for the given kind and range.
func (c *Controller) QueryTimeline(kind stats.Kind, rng stats.Range) (stats.TimelineResult, error) {
	return c.store.QueryTimeline(kind, rng)
}

// Disconnections returns the recorded disconnection events.
func (c *Controller) Disconnections() []stats.DisconnectionEvent {
	return c.store.Disconnections()
}

// Devices lists the backend's duplex-capable devices.
func (c *Controller) Devices() ([]audio.DeviceInfo, error) {
	return c.backend.Devices()
}
