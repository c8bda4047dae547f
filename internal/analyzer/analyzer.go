// Package analyzer estimates round-trip latency from captured loopback audio
// by FFT cross-correlation against the known test sequence.
package analyzer

import (
	"math"
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Measurement is the result of one analysis cycle. Immutable once created.
type Measurement struct {
	Timestamp      time.Time
	LatencySamples int
	LatencyMs      float64
	// Confidence is the normalized correlation peak strength in [0,1].
	Confidence float64
	// Valid is true when the measurement is a locked latency reading.
	Valid bool
	// Aliased is true when the correlation peak landed at or beyond the
	// valid latency range. A disconnected loopback produces spurious peaks
	// that alias toward the sequence period boundary; combined with low
	// confidence this is a strong signal-loss indicator, not a latency.
	Aliased bool
}

// Config carries the tunable analysis constants.
type Config struct {
	SampleRate          int
	ConfidenceThreshold float64
	MaxLatencyMs        float64
	Clock               func() time.Time
}

// Analyzer correlates captured segments against a fixed reference sequence.
// Not safe for concurrent use; the analysis worker owns it.
type Analyzer struct {
	cfg       Config
	reference []float64
	refEnergy float64
	fft       *fourier.FFT
	fftSize   int
	refCoeff  []complex128

	// scratch buffers reused across cycles
	padded   []float64
	capCoeff []complex128
	corr     []float64
}

// New creates an analyzer for the given reference sequence.
// The reference spectrum is precomputed and conjugated once.
func New(reference []float64, cfg Config) *Analyzer {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	fftSize := nextPowerOfTwo(2 * len(reference))
	fft := fourier.NewFFT(fftSize)

	padded := make([]float64, fftSize)
	copy(padded, reference)
	refCoeff := fft.Coefficients(nil, padded)
	for i, c := range refCoeff {
		refCoeff[i] = cmplx.Conj(c)
	}

	refEnergy := 0.0
	for _, x := range reference {
		refEnergy += x * x
	}

	return &Analyzer{
		cfg:       cfg,
		reference: reference,
		refEnergy: refEnergy,
		fft:       fft,
		fftSize:   fftSize,
		refCoeff:  refCoeff,
		padded:    make([]float64, fftSize),
		capCoeff:  make([]complex128, fftSize/2+1),
		corr:      make([]float64, fftSize),
	}
}

// PeriodSamples returns the reference sequence length.
func (a *Analyzer) PeriodSamples() int {
	return len(a.reference)
}

// Analyze estimates latency from one period's worth of captured samples.
// Cost is O(L log L) via frequency-domain multiply and inverse transform.
func (a *Analyzer) Analyze(captured []float64) Measurement {
	m := Measurement{Timestamp: a.cfg.Clock()}

	if len(captured) < len(a.reference) || a.refEnergy < 1e-12 {
		return m
	}
	if len(captured) > a.fftSize {
		captured = captured[:a.fftSize]
	}

	capEnergy := 0.0
	for i := range a.padded {
		a.padded[i] = 0
	}
	for i, x := range captured {
		a.padded[i] = x
		capEnergy += x * x
	}
	if capEnergy < 1e-12 {
		// Dead input: no peak, confidence zero.
		return m
	}

	a.fft.Coefficients(a.capCoeff, a.padded)
	for i := range a.capCoeff {
		a.capCoeff[i] *= a.refCoeff[i]
	}
	a.fft.Sequence(a.corr, a.capCoeff)

	// The inverse transform is unnormalized; fold 1/N into the peak search.
	norm := 1.0 / float64(a.fftSize)
	peak := 0.0
	lag := 0
	for i := range len(a.reference) {
		v := math.Abs(a.corr[i] * norm)
		if v > peak {
			peak = v
			lag = i
		}
	}

	confidence := peak / math.Sqrt(a.refEnergy*capEnergy)
	confidence = min(max(confidence, 0), 1)

	latencyMs := float64(lag) / float64(a.cfg.SampleRate) * 1000.0

	m.LatencySamples = lag
	m.LatencyMs = latencyMs
	m.Confidence = confidence
	m.Aliased = latencyMs >= a.cfg.MaxLatencyMs
	m.Valid = confidence >= a.cfg.ConfidenceThreshold && !m.Aliased

	return m
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
