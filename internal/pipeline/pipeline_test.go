package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbynekdrlik/audiotester/internal/analyzer"
	"github.com/zbynekdrlik/audiotester/internal/loss"
	"github.com/zbynekdrlik/audiotester/internal/signalgen"
	"github.com/zbynekdrlik/audiotester/internal/stats"
)

const (
	testSampleRate = 48000
	testOrder      = 10
)

type harness struct {
	pipe  *Pipeline
	store *stats.Store
	ref   []float64
	clock *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	gen, err := signalgen.NewMLS(testOrder)
	require.NoError(t, err)

	an := analyzer.New(gen.Sequence(), analyzer.Config{
		SampleRate:          testSampleRate,
		ConfidenceThreshold: 0.3,
		MaxLatencyMs:        100.0,
		Clock:               clock.Now,
	})
	dec := signalgen.NewCounterDecoder(testSampleRate)
	acc := loss.New(loss.Config{
		SampleRate:       testSampleRate,
		SamplesPerCycle:  gen.Length(),
		SignalLostCycles: 3,
		Clock:            clock.Now,
	})
	store := stats.New(clock.Now)

	return &harness{
		pipe:  New(an, dec, acc, store, nil),
		store: store,
		ref:   gen.Sequence(),
		clock: clock,
	}
}

// loopbackCycle builds one captured cycle: the reference delayed by delay
// samples on the signal channel and a constant marker on the counter channel.
func (h *harness) loopbackCycle(delay int, marker uint16) (signal, counter []float64) {
	length := len(h.ref)
	signal = make([]float64, length)
	counter = make([]float64, length)
	level := signalgen.EncodeMarker(marker)
	for i := range length {
		signal[i] = 0.5 * h.ref[(i-delay+length)%length]
		counter[i] = level
	}
	return signal, counter
}

func TestProcessCycle_HealthyLoopback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	for i := range 3 {
		sig, cnt := h.loopbackCycle(48, uint16(i+1))
		h.clock.Advance(21 * time.Millisecond)
		h.pipe.ProcessCycle(sig, cnt)
	}

	snap := h.store.Snapshot()
	assert.Equal(t, uint64(3), snap.MeasurementCount)
	assert.InDelta(t, 1.0, snap.CurrentLatencyMs, 1e-9)
	assert.Zero(t, snap.TotalLost)
	assert.Zero(t, snap.TotalCorrupted)
	assert.False(t, snap.SignalLost)
	assert.False(t, snap.CounterSilent)
}

func TestProcessCycle_MarkerGapRecordsLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	sig, cnt := h.loopbackCycle(0, 1)
	h.pipe.ProcessCycle(sig, cnt)
	sig, cnt = h.loopbackCycle(0, 2)
	h.pipe.ProcessCycle(sig, cnt)

	// Markers 3 and 4 never arrive.
	sig, cnt = h.loopbackCycle(0, 5)
	h.pipe.ProcessCycle(sig, cnt)

	snap := h.store.Snapshot()
	assert.Equal(t, uint64(2*len(h.ref)), snap.TotalLost)
}

func TestProcessCycle_SilentCounterEstimatesLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	sig, cnt := h.loopbackCycle(0, 1)
	h.pipe.ProcessCycle(sig, cnt)

	// Counter goes quiet while the signal keeps measuring. One cycle's
	// worth of zeros is far past the 100ms silence threshold only when
	// repeated; feed enough zero blocks to cross it.
	silent := make([]float64, len(h.ref))
	blocks := testSampleRate/10/len(h.ref) + 1
	for range blocks {
		sig, _ = h.loopbackCycle(0, 1)
		h.pipe.ProcessCycle(sig, silent)
	}

	h.clock.Advance(2 * time.Second)
	sig, _ = h.loopbackCycle(0, 1)
	h.pipe.ProcessCycle(sig, silent)

	snap := h.store.Snapshot()
	assert.True(t, snap.CounterSilent)
	assert.Equal(t, uint64(2*testSampleRate), snap.EstimatedLoss)
	assert.False(t, snap.SignalLost, "valid signal measurements keep signal_lost clear")

	// Counter recovery folds the estimate into the running total.
	sig, cnt = h.loopbackCycle(0, 200)
	h.pipe.ProcessCycle(sig, cnt)

	snap = h.store.Snapshot()
	assert.False(t, snap.CounterSilent)
	assert.Zero(t, snap.EstimatedLoss)
	assert.Equal(t, uint64(2*testSampleRate), snap.TotalLost)
}

func TestProcessCycle_DeadSignalTripsSignalLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	dead := make([]float64, len(h.ref))
	for i := range 3 {
		_, cnt := h.loopbackCycle(0, uint16(i+1))
		h.pipe.ProcessCycle(dead, cnt)
	}

	snap := h.store.Snapshot()
	assert.True(t, snap.SignalLost)

	// Recovery clears the flag on the first valid cycle.
	sig, cnt := h.loopbackCycle(0, 4)
	h.pipe.ProcessCycle(sig, cnt)
	assert.False(t, h.store.Snapshot().SignalLost)
}

func TestReset_ClearsRunState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	dead := make([]float64, len(h.ref))
	for i := range 3 {
		_, cnt := h.loopbackCycle(0, uint16(i+1))
		h.pipe.ProcessCycle(dead, cnt)
	}
	h.pipe.Reset()

	// Post-reset the first marker resyncs instead of reporting a gap.
	sig, cnt := h.loopbackCycle(0, 500)
	h.pipe.ProcessCycle(sig, cnt)

	snap := h.store.Snapshot()
	assert.Zero(t, snap.TotalLost)
	assert.False(t, snap.SignalLost)
}
