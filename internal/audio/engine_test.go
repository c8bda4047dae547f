package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbynekdrlik/audiotester/internal/errors"
	"github.com/zbynekdrlik/audiotester/internal/signalgen"
)

type fakeStream struct {
	mu          sync.Mutex
	startCalls  int
	startErr    error
	stopErr     error
	stopErrOnce bool
	stopped     bool
	closeCalls  int

	// startsOnClosed counts Start calls arriving after Close, which a real
	// device would treat as use of a released handle.
	startsOnClosed int
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.closeCalls > 0 {
		s.startsOnClosed++
	}
	return s.startErr
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	err := s.stopErr
	if s.stopErrOnce {
		s.stopErr = nil
		s.stopErrOnce = false
	}
	return err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeStream) setStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func (s *fakeStream) setStopErrOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
	s.stopErrOnce = true
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *fakeStream) startsOnClosedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startsOnClosed
}

type fakeBackend struct {
	mu       sync.Mutex
	devices  []DeviceInfo
	openErr  error
	startErr error
	openGate chan struct{} // when set, OpenDuplex blocks until closed

	streams []*fakeStream
	onData  DataCallback
	onStop  func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		devices: []DeviceInfo{
			{ID: "dev0", Name: "Loopback", IsDefault: true, InputChannels: 2, OutputChannels: 2},
		},
	}
}

func (b *fakeBackend) Devices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices, nil
}

func (b *fakeBackend) OpenDuplex(cfg StreamConfig, onData DataCallback, onStop func()) (Stream, error) {
	b.mu.Lock()
	gate := b.openGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeStream{startErr: b.startErr}
	b.streams = append(b.streams, s)
	b.onData = onData
	b.onStop = onStop
	return s, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) callbacks() (DataCallback, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onData, b.onStop
}

func (b *fakeBackend) streamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *fakeBackend) setOpenErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

func (b *fakeBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[i]
}

type recordingProcessor struct {
	mu     sync.Mutex
	cycles int
	signal []float64
}

func (p *recordingProcessor) ProcessCycle(signal, counter []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles++
	p.signal = append([]float64(nil), signal...)
}

func (p *recordingProcessor) cycleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

func (p *recordingProcessor) lastSignal() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

func testEngineConfig() Config {
	return Config{
		Device:         "Loopback",
		SampleRate:     48000,
		SignalChannel:  0,
		CounterChannel: 1,
	}
}

func newTestEngine(t *testing.T, backend Backend, proc CycleProcessor) *Engine {
	t.Helper()
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)
	policy := ReconnectPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond}
	return New(backend, gen, proc, testEngineConfig(), policy)
}

func mustStop(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
}

func TestEngine_StartStop(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.Equal(t, StateStopped, e.State())

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())
	assert.Equal(t, 1, backend.streamCount())

	mustStop(t, e)
	assert.Equal(t, StateStopped, e.State())
	assert.True(t, backend.stream(0).isClosed())
}

func TestEngine_StartIdempotent(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()), "start while running must be a no-op")
	assert.Equal(t, 1, backend.streamCount(), "second start must not reopen the stream")

	mustStop(t, e)
}

func TestEngine_StopIdempotent(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})

	require.NoError(t, e.Stop(context.Background()), "stopping a stopped engine must succeed")

	require.NoError(t, e.Start(context.Background()))
	mustStop(t, e)
	require.NoError(t, e.Stop(context.Background()))
}

func TestEngine_BusyDuringTransition(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	gate := make(chan struct{})
	backend.openGate = gate
	e := newTestEngine(t, backend, &recordingProcessor{})

	startDone := make(chan error, 1)
	go func() { startDone <- e.Start(context.Background()) }()

	require.Eventually(t, func() bool { return e.State() == StateStarting },
		time.Second, time.Millisecond)

	err := e.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrBusy), "start during transition: %v", err)
	err = e.Stop(context.Background())
	assert.True(t, errors.Is(err, errors.ErrBusy), "stop during transition: %v", err)

	close(gate)
	require.NoError(t, <-startDone)
	mustStop(t, e)
}

func TestEngine_InvalidChannelPair(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend() // device has 2 channels
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)
	cfg := testEngineConfig()
	cfg.CounterChannel = 5
	e := New(backend, gen, &recordingProcessor{}, cfg, ReconnectPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond})

	err = e.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid), "got %v", err)
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 0, backend.streamCount(), "stream must not open on invalid config")
}

func TestEngine_UnknownDevice(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)
	cfg := testEngineConfig()
	cfg.Device = "no-such-device"
	e := New(backend, gen, &recordingProcessor{}, cfg, ReconnectPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond})

	err = e.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrDeviceUnavailable), "got %v", err)
	assert.Equal(t, StateStopped, e.State())
}

// buildLoopback interleaves one period of the engine's own output, with the
// test sequence on channel 0 and the first counter marker on channel 1.
func buildLoopback(t *testing.T, period, channels int) []byte {
	t.Helper()
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)
	require.Equal(t, period, gen.Length())

	marker := signalgen.EncodeMarker(1)
	buf := make([]byte, period*channels*bytesPerSample)
	for f := range period {
		base := f * channels * bytesPerSample
		binary.LittleEndian.PutUint32(buf[base:], math.Float32bits(float32(gen.NextSample())))
		binary.LittleEndian.PutUint32(buf[base+bytesPerSample:], math.Float32bits(float32(marker)))
	}
	return buf
}

func TestEngine_CaptureReachesProcessor(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	proc := &recordingProcessor{}
	e := newTestEngine(t, backend, proc)
	require.NoError(t, e.Start(context.Background()))
	defer mustStop(t, e)

	onData, _ := backend.callbacks()
	require.NotNil(t, onData)

	period := 63
	channels := 2
	in := buildLoopback(t, period, channels)
	out := make([]byte, len(in))
	onData(out, in, uint32(period))

	require.Eventually(t, func() bool { return proc.cycleCount() >= 1 },
		2*time.Second, 5*time.Millisecond)

	signal := proc.lastSignal()
	require.Len(t, signal, period)
	for i, s := range signal {
		if s != 0.5 && s != -0.5 {
			t.Fatalf("deinterleaved sample %d is %v, want half-scale test signal", i, s)
		}
	}
}

func TestEngine_OutputCarriesSignalAndMarkers(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.NoError(t, e.Start(context.Background()))
	defer mustStop(t, e)

	onData, _ := backend.callbacks()
	const frames = 8
	out := make([]byte, frames*2*bytesPerSample)
	onData(out, nil, frames)

	for f := range frames {
		base := f * 2 * bytesPerSample
		sig := math.Float32frombits(binary.LittleEndian.Uint32(out[base:]))
		if sig != 0.5 && sig != -0.5 {
			t.Fatalf("frame %d signal sample %v, want half-scale", f, sig)
		}
		cnt := float64(math.Float32frombits(binary.LittleEndian.Uint32(out[base+bytesPerSample:])))
		value, ok := signalgen.DecodeMarker(cnt)
		require.True(t, ok)
		assert.Equal(t, uint16(1), value, "frame %d", f)
	}
}

func TestEngine_FullRingCountsDroppedBlocks(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.NoError(t, e.Start(context.Background()))
	defer mustStop(t, e)

	onData, _ := backend.callbacks()

	// One write larger than the whole ring cannot be accepted losslessly.
	cycleBytes := 63 * 2 * bytesPerSample
	in := make([]byte, ringPeriods*cycleBytes+bytesPerSample)
	out := make([]byte, len(in))
	onData(out, in, uint32(len(in)/(2*bytesPerSample)))

	assert.GreaterOrEqual(t, e.DroppedBlocks(), uint64(1))
}

func TestEngine_ReconnectAfterDeviceStop(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	var events []bool
	var eventsMu sync.Mutex
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)
	e := New(backend, gen, &recordingProcessor{}, testEngineConfig(),
		ReconnectPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond},
		WithDisconnectHook(func(d time.Duration, reconnected bool) {
			eventsMu.Lock()
			events = append(events, reconnected)
			eventsMu.Unlock()
		}))
	require.NoError(t, e.Start(context.Background()))

	_, onStop := backend.callbacks()
	require.NotNil(t, onStop)
	onStop()

	require.Eventually(t, func() bool { return e.Reconnects() == 1 },
		2*time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, e.State())

	eventsMu.Lock()
	require.Len(t, events, 1)
	assert.True(t, events[0])
	eventsMu.Unlock()

	mustStop(t, e)
}

func TestEngine_ReconnectExhaustionEntersError(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)

	var events []bool
	var eventsMu sync.Mutex
	e := New(backend, gen, &recordingProcessor{}, testEngineConfig(),
		ReconnectPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond},
		WithDisconnectHook(func(d time.Duration, reconnected bool) {
			eventsMu.Lock()
			events = append(events, reconnected)
			eventsMu.Unlock()
		}))
	require.NoError(t, e.Start(context.Background()))

	// Every restart and reopen fails from here on.
	backend.stream(0).setStartErr(errors.NewStd("device gone"))
	backend.setOpenErr(errors.NewStd("device gone"))

	_, onStop := backend.callbacks()
	onStop()

	require.Eventually(t, func() bool { return e.State() == StateError },
		2*time.Second, time.Millisecond)

	eventsMu.Lock()
	require.Len(t, events, 1)
	assert.False(t, events[0])
	eventsMu.Unlock()

	mustStop(t, e)
}

func TestEngine_StopDoesNotTriggerReconnect(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.NoError(t, e.Start(context.Background()))
	mustStop(t, e)

	// A stop callback arriving during or after a deliberate shutdown, as
	// real devices deliver on Stop, must not spin up the reconnect loop.
	_, onStop := backend.callbacks()
	onStop()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateStopped, e.State())
	assert.Zero(t, e.Reconnects())
	assert.Equal(t, 1, backend.streamCount())
}

func TestEngine_ReconnectNeverRestartsReleasedStream(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	gen, err := signalgen.NewMLS(6)
	require.NoError(t, err)
	e := New(backend, gen, &recordingProcessor{}, testEngineConfig(),
		ReconnectPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond})
	require.NoError(t, e.Start(context.Background()))

	// Restarts and reopens both fail, so the loop runs all attempts with a
	// stream it already released after the first failed restart.
	s0 := backend.stream(0)
	s0.setStartErr(errors.NewStd("device gone"))
	backend.setOpenErr(errors.NewStd("device gone"))

	_, onStop := backend.callbacks()
	onStop()

	require.Eventually(t, func() bool { return e.State() == StateError },
		2*time.Second, time.Millisecond)

	assert.Zero(t, s0.startsOnClosedCount(), "restart attempted on a released stream")
	assert.Equal(t, 1, s0.closeCount())

	// Stop from Error must not release the already-released stream again.
	mustStop(t, e)
	assert.Equal(t, 1, s0.closeCount())
}

func TestEngine_StopRetriesAfterFailedRelease(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.NoError(t, e.Start(context.Background()))

	backend.stream(0).setStopErrOnce(errors.NewStd("release failed"))

	err := e.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStreamError), "got %v", err)
	require.Equal(t, StateError, e.State())

	// The retry must complete the release, not panic on the quit channel.
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.State())
	assert.True(t, backend.stream(0).isClosed())
}

func TestEngine_DeviceStopCallbacksCoalesce(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.NoError(t, e.Start(context.Background()))

	// A dying device can deliver several stop callbacks; only one recovery
	// may run.
	_, onStop := backend.callbacks()
	onStop()
	onStop()

	require.Eventually(t, func() bool { return e.Reconnects() == 1 },
		2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, uint64(1), e.Reconnects())
	assert.Equal(t, 1, backend.streamCount())
	assert.Equal(t, StateRunning, e.State())

	mustStop(t, e)
}

func TestEngine_StopDuringReconnectReleasesFreshStream(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	e := newTestEngine(t, backend, &recordingProcessor{})
	require.NoError(t, e.Start(context.Background()))

	// Force the restart path to fail and hold the reopen at the gate so Stop
	// lands while the reconnect loop's fresh stream is still in flight.
	backend.stream(0).setStartErr(errors.NewStd("device gone"))
	gate := make(chan struct{})
	backend.mu.Lock()
	backend.openGate = gate
	backend.mu.Unlock()

	_, onStop := backend.callbacks()
	onStop()

	require.Eventually(t, func() bool { return backend.stream(0).isClosed() },
		2*time.Second, time.Millisecond)
	mustStop(t, e)

	close(gate)

	// The loop's reopen wins the open, notices the shutdown, and must
	// release the fresh stream itself rather than leave it running.
	require.Eventually(t, func() bool {
		return backend.streamCount() == 2 && backend.stream(1).isClosed()
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, StateStopped, e.State())
	assert.Zero(t, e.Reconnects())
}

func TestEngine_StaleCallbackDoesNotFeedNewRun(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	proc := &recordingProcessor{}
	e := newTestEngine(t, backend, proc)
	require.NoError(t, e.Start(context.Background()))

	staleData, _ := backend.callbacks()
	require.NotNil(t, staleData)
	mustStop(t, e)

	require.NoError(t, e.Start(context.Background()))
	defer mustStop(t, e)

	period := 63
	channels := 2
	in := buildLoopback(t, period, channels)
	out := make([]byte, len(in))

	// A callback left over from the previous run writes into that run's
	// orphaned ring, so the current worker sees nothing.
	staleData(out, in, uint32(period))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, proc.cycleCount())

	liveData, _ := backend.callbacks()
	liveData(out, in, uint32(period))
	require.Eventually(t, func() bool { return proc.cycleCount() >= 1 },
		2*time.Second, 5*time.Millisecond)
}
