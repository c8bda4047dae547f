package audio

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/zbynekdrlik/audiotester/internal/errors"
	"github.com/zbynekdrlik/audiotester/internal/logging"
	"github.com/zbynekdrlik/audiotester/internal/observability/metrics"
	"github.com/zbynekdrlik/audiotester/internal/signalgen"
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	bytesPerSample = 4 // 32-bit float frames on the wire

	// pollInterval is the worker's ring poll cadence.
	pollInterval = 10 * time.Millisecond

	// ringPeriods sizes the SPSC ring in sequence periods. The worker drops
	// back to the freshest data once backlog exceeds stalenessPeriods.
	ringPeriods      = 8
	stalenessPeriods = 2

	// acquireTimeout bounds device acquisition; releaseTimeout bounds
	// shutdown. Exceeding either converts to an error instead of hanging.
	acquireTimeout = 10 * time.Second
	releaseTimeout = 10 * time.Second
)

// Config is the engine configuration. Replacing it requires a stop/start.
type Config struct {
	Device         string
	SampleRate     int
	SignalChannel  int
	CounterChannel int
}

// channels returns the interleaved channel count the stream needs.
func (c Config) channels() int {
	return max(c.SignalChannel, c.CounterChannel) + 1
}

// CycleProcessor receives one analysis cycle's worth of deinterleaved
// samples on the worker goroutine.
type CycleProcessor interface {
	ProcessCycle(signal, counter []float64)
}

// ReconnectPolicy bounds mid-run stream failure recovery.
type ReconnectPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Engine owns the duplex stream, the real-time callback, and the analysis
// worker. All lifecycle calls are serialized through its state guard:
// concurrent start/stop during a transition return Busy instead of racing.
type Engine struct {
	mu    sync.Mutex
	state State

	backend   Backend
	cfg       Config
	gen       *signalgen.MLS
	counter   *signalgen.Counter
	processor CycleProcessor
	policy    ReconnectPolicy
	metrics   *metrics.EngineMetrics
	log       *slog.Logger

	droppedBlocks atomic.Uint64
	reconnects    atomic.Uint64
	closing       atomic.Bool
	reconnecting  atomic.Bool

	stream     Stream
	dataCB     DataCallback // bound to the current run's ring at openStream
	quit       chan struct{}
	workerDone chan struct{}

	// onDisconnect is notified after a mid-run stream drop resolves, with
	// the outage duration and whether reconnection succeeded.
	onDisconnect func(duration time.Duration, reconnected bool)
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDisconnectHook sets the disconnection event callback.
func WithDisconnectHook(fn func(duration time.Duration, reconnected bool)) Option {
	return func(e *Engine) { e.onDisconnect = fn }
}

// New creates an engine around an injected backend. The generator pair is
// rebuilt on every Configure so the test sequence matches the config.
func New(backend Backend, gen *signalgen.MLS, processor CycleProcessor, cfg Config, policy ReconnectPolicy, opts ...Option) *Engine {
	e := &Engine{
		backend:   backend,
		cfg:       cfg,
		gen:       gen,
		counter:   signalgen.NewCounter(gen.Length()),
		processor: processor,
		policy:    policy,
		log:       logging.ForService("audio-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// DroppedBlocks reports how many capture blocks were discarded because the
// ring was full or the worker fell behind.
func (e *Engine) DroppedBlocks() uint64 {
	return e.droppedBlocks.Load()
}

// Reconnects reports how many mid-run reconnections have succeeded.
func (e *Engine) Reconnects() uint64 {
	return e.reconnects.Load()
}

// Start opens the duplex stream and launches the analysis worker.
// Idempotent: Start while Running succeeds as a no-op. Start during a
// transition returns Busy. Device acquisition is bounded by a timeout.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateRunning:
		e.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		e.mu.Unlock()
		return busyErr("start")
	case StateStopped, StateError:
	}
	e.state = StateStarting
	e.mu.Unlock()

	if err := e.validateDevice(); err != nil {
		e.setState(StateStopped)
		return err
	}

	if err := e.openStream(ctx); err != nil {
		e.setState(StateStopped)
		return err
	}

	e.setState(StateRunning)
	e.log.Info("engine started",
		"device", e.cfg.Device,
		"sample_rate", e.cfg.SampleRate,
		"period_samples", e.gen.Length())
	return nil
}

// Stop joins the worker, then releases the device. Idempotent: stopping a
// stopped engine succeeds silently. A release that cannot be confirmed
// within the timeout transitions to Error instead of hanging the caller.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateStopped:
		e.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		e.mu.Unlock()
		return busyErr("stop")
	case StateRunning, StateError:
	}
	e.state = StateStopping
	e.closing.Store(true)
	stream := e.stream
	quit := e.quit
	done := e.workerDone
	// Clear quit immediately: a Stop that fails past this point leaves the
	// channel closed, and a retry from Error must not close it twice.
	e.quit = nil
	e.mu.Unlock()

	// Worker first: no measurement callbacks may fire after Stop returns.
	if quit != nil {
		close(quit)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(releaseTimeout):
			e.setState(StateError)
			return errors.Newf("analysis worker did not stop within %s: %w", releaseTimeout, errors.ErrStreamError).
				Component("audio").
				Category(errors.CategoryTimeout).
				Build()
		case <-ctx.Done():
			e.setState(StateError)
			return ctx.Err()
		}
	}

	if stream != nil {
		released := make(chan error, 1)
		go func() {
			if err := stream.Stop(); err != nil {
				released <- err
				return
			}
			released <- stream.Close()
		}()
		select {
		case err := <-released:
			if err != nil {
				e.setState(StateError)
				return errors.Newf("failed to release device: %w: %w", err, errors.ErrStreamError).
					Component("audio").
					Category(errors.CategoryStream).
					Build()
			}
		case <-time.After(releaseTimeout):
			e.setState(StateError)
			return errors.Newf("device release not confirmed within %s: %w", releaseTimeout, errors.ErrStreamError).
				Component("audio").
				Category(errors.CategoryTimeout).
				Build()
		}
	}

	e.mu.Lock()
	e.stream = nil
	e.workerDone = nil
	e.state = StateStopped
	e.mu.Unlock()

	e.log.Info("engine stopped")
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// validateDevice checks the channel pair against the device channel count
// before any state change touches the stream.
func (e *Engine) validateDevice() error {
	devices, err := e.backend.Devices()
	if err != nil {
		return errors.Newf("device enumeration failed: %w: %w", err, errors.ErrDeviceUnavailable).
			Component("audio").
			Category(errors.CategoryDevice).
			Build()
	}

	var info *DeviceInfo
	for i := range devices {
		if devices[i].Name == e.cfg.Device || devices[i].ID == e.cfg.Device ||
			(e.cfg.Device == "" && devices[i].IsDefault) {
			info = &devices[i]
			break
		}
	}
	if info == nil {
		if e.cfg.Device == "" && len(devices) > 0 {
			info = &devices[0]
		} else {
			return errors.Newf("device %q not found: %w", e.cfg.Device, errors.ErrDeviceUnavailable).
				Component("audio").
				Category(errors.CategoryDevice).
				Context("device", e.cfg.Device).
				Build()
		}
	}

	needed := e.cfg.channels()
	if info.InputChannels < needed || info.OutputChannels < needed {
		return errors.Newf("channel pair (%d,%d) exceeds device channels (in=%d, out=%d): %w",
			e.cfg.SignalChannel, e.cfg.CounterChannel, info.InputChannels, info.OutputChannels,
			errors.ErrConfigInvalid).
			Component("audio").
			Category(errors.CategoryValidation).
			Context("device", info.Name).
			Build()
	}
	return nil
}

// openStream resets the signal state, wires the real-time callback, and
// starts the worker and the stream within the acquisition timeout.
func (e *Engine) openStream(ctx context.Context) error {
	period := e.gen.Length()
	channels := e.cfg.channels()
	cycleBytes := period * channels * bytesPerSample

	e.gen.Reset()
	e.counter.Reset()
	ring := ringbuffer.New(ringPeriods * cycleBytes)
	dataCB := e.newDataCallback(ring)
	e.closing.Store(false)

	quit := make(chan struct{})
	done := make(chan struct{})

	streamCfg := StreamConfig{
		Device:     e.cfg.Device,
		SampleRate: e.cfg.SampleRate,
		Channels:   channels,
	}

	type openResult struct {
		stream Stream
		err    error
	}
	opened := make(chan openResult, 1)
	go func() {
		stream, err := e.backend.OpenDuplex(streamCfg, dataCB, e.onDeviceStop)
		if err == nil {
			err = stream.Start()
			if err != nil {
				_ = stream.Close()
				stream = nil
			}
		}
		opened <- openResult{stream: stream, err: err}
	}()

	var stream Stream
	select {
	case r := <-opened:
		if r.err != nil {
			return r.err
		}
		stream = r.stream
	case <-time.After(acquireTimeout):
		// The open may still complete; make sure a late stream is released.
		go func() {
			if r := <-opened; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		return errors.Newf("device acquisition timed out after %s: %w", acquireTimeout, errors.ErrDeviceUnavailable).
			Component("audio").
			Category(errors.CategoryTimeout).
			Context("device", e.cfg.Device).
			Build()
	case <-ctx.Done():
		go func() {
			if r := <-opened; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		return ctx.Err()
	}

	go e.worker(quit, done, period, channels, ring)

	e.mu.Lock()
	e.stream = stream
	e.dataCB = dataCB
	e.quit = quit
	e.workerDone = done
	e.mu.Unlock()
	return nil
}

// newDataCallback builds the real-time callback for one run. It writes the
// next generator frames to the output buffer (signal and counter channels
// independently) and copies captured input into the ring. The ring is bound
// here, not read from the engine: a stale callback from a previous run must
// never feed the current run's ring. It never blocks: a full ring costs a
// dropped-block count, not backpressure.
func (e *Engine) newDataCallback(ring *ringbuffer.RingBuffer) DataCallback {
	channels := e.cfg.channels()
	signalCh := e.cfg.SignalChannel
	counterCh := e.cfg.CounterChannel

	return func(out, in []byte, frameCount uint32) {
		for f := range int(frameCount) {
			sig := math.Float32bits(float32(e.gen.NextSample()))
			cnt := math.Float32bits(float32(e.counter.NextSample()))
			base := f * channels * bytesPerSample
			for c := range channels {
				var bits uint32
				switch c {
				case signalCh:
					bits = sig
				case counterCh:
					bits = cnt
				}
				binary.LittleEndian.PutUint32(out[base+c*bytesPerSample:], bits)
			}
		}

		if len(in) > 0 {
			n, err := ring.TryWrite(in)
			if err != nil || n < len(in) {
				e.droppedBlocks.Add(1)
				if e.metrics != nil {
					e.metrics.RecordDroppedBlock()
				}
			}
		}
	}
}

// onDeviceStop fires on a genuine device-level stream failure. Routing or
// mute changes on an external mixer do not stop the stream and never reach
// this path; those only surface as counter-channel silence, which the loss
// accountant handles without restarting anything.
func (e *Engine) onDeviceStop() {
	if e.closing.Load() {
		return
	}
	// Single flight: stop callbacks firing again mid-recovery (the dying
	// device can deliver several) must not spawn a second loop racing on
	// the stream.
	if !e.reconnecting.CompareAndSwap(false, true) {
		return
	}
	e.log.Warn("device stream stopped unexpectedly, reconnecting")
	go func() {
		defer e.reconnecting.Store(false)
		e.reconnectLoop()
	}()
}

// reconnectLoop retries with exponential backoff: first a plain restart of
// the existing stream, then a full reopen. Exhausting the budget moves the
// engine to Error.
func (e *Engine) reconnectLoop() {
	began := time.Now()

	streamCfg := StreamConfig{
		Device:     e.cfg.Device,
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.channels(),
	}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		backoff := e.policy.BackoffBase << (attempt - 1)
		time.Sleep(backoff)

		e.mu.Lock()
		if e.closing.Load() {
			e.mu.Unlock()
			return
		}
		stream := e.stream
		dataCB := e.dataCB
		e.mu.Unlock()

		if stream != nil {
			if err := stream.Start(); err == nil {
				e.recordReconnect(began, attempt)
				return
			}
			// Restart failed: the stream is dead. Release it and drop the
			// pointer so no later attempt, and no concurrent Stop, touches
			// the freed device again.
			_ = stream.Close()
			e.mu.Lock()
			if e.stream == stream {
				e.stream = nil
			}
			e.mu.Unlock()
		}

		fresh, err := e.backend.OpenDuplex(streamCfg, dataCB, e.onDeviceStop)
		if err == nil {
			if err = fresh.Start(); err != nil {
				_ = fresh.Close()
			}
		}
		if err == nil {
			e.mu.Lock()
			if e.closing.Load() {
				// Stop won the race while the reopen was in flight; it
				// never saw this stream, so release it here.
				e.mu.Unlock()
				_ = fresh.Stop()
				_ = fresh.Close()
				return
			}
			e.stream = fresh
			e.mu.Unlock()
			e.recordReconnect(began, attempt)
			return
		}

		e.log.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"error", err)
	}

	e.setState(StateError)
	e.log.Error("reconnection retries exhausted, engine in error state",
		"attempts", e.policy.MaxAttempts)
	if e.onDisconnect != nil {
		e.onDisconnect(time.Since(began), false)
	}
}

func (e *Engine) recordReconnect(began time.Time, attempt int) {
	e.reconnects.Add(1)
	if e.metrics != nil {
		e.metrics.RecordReconnect()
	}
	e.log.Info("stream reconnected",
		"attempt", attempt,
		"outage_ms", time.Since(began).Milliseconds())
	if e.onDisconnect != nil {
		e.onDisconnect(time.Since(began), true)
	}
}

func busyErr(op string) error {
	return errors.Newf("%s rejected, engine transition in flight: %w", op, errors.ErrBusy).
		Component("audio").
		Category(errors.CategoryState).
		Build()
}
