// Package loss tracks sample loss and corruption from the counter channel,
// including the muted-counter edge case where exact counting is impossible.
package loss

import (
	"sync"
	"time"

	"github.com/zbynekdrlik/audiotester/internal/signalgen"
)

const counterModulus = 0x7FFF // marker values run 1..32767

// State is the observable loss accounting state. Counters are monotonically
// non-decreasing except EstimatedLoss, which resets to zero each time it is
// folded into TotalLost.
type State struct {
	TotalLost      uint64
	TotalCorrupted uint64
	CounterSilent  bool
	EstimatedLoss  uint64
	SignalLost     bool
}

// Config carries the accountant's tuning.
type Config struct {
	SampleRate      int
	SamplesPerCycle int
	// SignalLostCycles is the debounce: consecutive invalid measurement
	// cycles required before SignalLost flips true. Single-cycle dropouts
	// must not flap the flag.
	SignalLostCycles int
	Clock            func() time.Time
}

// CycleInput is what one analysis cycle feeds into the accountant.
type CycleInput struct {
	Markers          []signalgen.Marker
	CounterSilent    bool
	MeasurementValid bool
}

// Deltas reports what one cycle added, for stats ingestion.
type Deltas struct {
	Lost      uint64
	Corrupted uint64
}

// Accountant maintains the loss state across analysis cycles. Mutated only
// by the analysis worker; reads are snapshot-on-read.
type Accountant struct {
	mu  sync.Mutex
	cfg Config

	state            State
	expected         uint16 // next expected marker value, 0 when unsynced
	silentSince      time.Time
	consecutiveBad   int
	resyncOnRecovery bool
}

// New creates an accountant. State is zeroed; it resets again on every
// engine start since loss is meaningless without a stream.
func New(cfg Config) *Accountant {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SignalLostCycles < 1 {
		cfg.SignalLostCycles = 1
	}
	return &Accountant{cfg: cfg}
}

// Observe folds one analysis cycle into the state and returns the deltas.
func (a *Accountant) Observe(in CycleInput) Deltas {
	a.mu.Lock()
	defer a.mu.Unlock()

	var d Deltas
	now := a.cfg.Clock()

	if in.CounterSilent {
		if !a.state.CounterSilent {
			a.state.CounterSilent = true
			a.silentSince = now
			a.resyncOnRecovery = true
		}
		// No exact count is available while the channel is muted; estimate
		// from elapsed wall time. Monotonic while silence persists.
		elapsed := now.Sub(a.silentSince).Seconds()
		estimated := uint64(elapsed * float64(a.cfg.SampleRate))
		if estimated > a.state.EstimatedLoss {
			a.state.EstimatedLoss = estimated
		}
	} else {
		if a.state.CounterSilent {
			// Counter resumed: fold the estimate into the total in one
			// atomic update and resync to the observed value instead of
			// computing a gap, so recovery never reports a false spike.
			a.state.TotalLost += a.state.EstimatedLoss
			d.Lost += a.state.EstimatedLoss
			a.state.EstimatedLoss = 0
			a.state.CounterSilent = false
		}
		d = a.processMarkers(in.Markers, d)
	}

	a.observeMeasurement(in.MeasurementValid)
	return d
}

func (a *Accountant) processMarkers(markers []signalgen.Marker, d Deltas) Deltas {
	for _, m := range markers {
		if !m.ParityOK {
			// Corrupted marker, not a gap: the cycle arrived but its
			// payload failed the parity check.
			c := uint64(a.cfg.SamplesPerCycle)
			a.state.TotalCorrupted += c
			d.Corrupted += c
			a.expected = 0 // value untrustworthy, resync on next good marker
			continue
		}

		if a.resyncOnRecovery || a.expected == 0 {
			a.resyncOnRecovery = false
			a.expected = nextMarker(m.Value)
			continue
		}

		gap := markerGap(a.expected, m.Value)
		if gap > 0 {
			lost := uint64(gap) * uint64(a.cfg.SamplesPerCycle)
			a.state.TotalLost += lost
			d.Lost += lost
		}
		a.expected = nextMarker(m.Value)
	}
	return d
}

func (a *Accountant) observeMeasurement(valid bool) {
	if valid {
		a.consecutiveBad = 0
		a.state.SignalLost = false
		return
	}
	a.consecutiveBad++
	if a.consecutiveBad >= a.cfg.SignalLostCycles {
		a.state.SignalLost = true
	}
}

// State returns a snapshot of the current loss state.
func (a *Accountant) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Reset zeroes all state. Called on engine stop/start.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = State{}
	a.expected = 0
	a.consecutiveBad = 0
	a.resyncOnRecovery = false
	a.silentSince = time.Time{}
}

// nextMarker mirrors the generator's wrap: 32767 wraps to 1, never 0.
func nextMarker(v uint16) uint16 {
	if v >= counterModulus {
		return 1
	}
	return v + 1
}

// markerGap returns how many increments were skipped between the expected
// and received marker, accounting for wrap-around. Gaps of half the counter
// range or more are treated as a resync, not a loss burst.
func markerGap(expected, received uint16) int {
	if received == expected {
		return 0
	}
	// Map both onto 0..counterModulus-1 (values are 1-based).
	e := int(expected) - 1
	r := int(received) - 1
	diff := (r - e + counterModulus) % counterModulus
	if diff >= counterModulus/2 {
		return 0
	}
	return diff
}
