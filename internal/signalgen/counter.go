package signalgen

import (
	"math"
	"math/bits"
)

const (
	// counterMax is the largest marker value; counters run 1..counterMax and
	// wrap back to 1. Zero is reserved: a decoded zero means silence.
	counterMax = 0x7FFF

	// markerScale maps a 16-bit marker word onto the normalized sample range.
	markerScale = 65536.0
)

// EncodeMarker packs a counter value with an even parity bit into a
// normalized sample level. The decoder rejects words whose parity does not
// check out, so a corrupted marker is distinguishable from a missing one.
func EncodeMarker(value uint16) float64 {
	word := uint16(value<<1) | uint16(bits.OnesCount16(value)&1)
	return float64(word) / markerScale
}

// DecodeMarker recovers a counter value from a sample level.
// ok is false when the parity bit does not match the payload.
func DecodeMarker(sample float64) (value uint16, ok bool) {
	clamped := min(max(sample, 0), 1)
	word := uint16(math.Round(clamped*markerScale)) & 0xFFFF
	value = word >> 1
	ok = uint16(bits.OnesCount16(value)&1) == word&1
	return value, ok
}

// nextCounter advances a marker value, wrapping past counterMax to 1 so the
// stream never emits the reserved zero.
func nextCounter(v uint16) uint16 {
	if v >= counterMax {
		return 1
	}
	return v + 1
}

// Counter emits one marker per sequence period, held constant for the whole
// period so the channel remains readable even when the signal channel fails
// independently.
type Counter struct {
	period   int
	position int
	value    uint16
}

// NewCounter creates a counter stream with the given period in samples.
func NewCounter(period int) *Counter {
	return &Counter{period: period, value: 1}
}

// NextSample returns the next counter channel sample.
func (c *Counter) NextSample() float64 {
	s := EncodeMarker(c.value)
	c.position++
	if c.position >= c.period {
		c.position = 0
		c.value = nextCounter(c.value)
	}
	return s
}

// Value returns the marker currently being emitted.
func (c *Counter) Value() uint16 {
	return c.value
}

// Reset restarts the stream at marker 1.
func (c *Counter) Reset() {
	c.position = 0
	c.value = 1
}

// Marker is one decoded counter marker.
type Marker struct {
	Value    uint16
	ParityOK bool
}

// DecodeResult summarizes one captured block of counter channel samples.
type DecodeResult struct {
	// Markers holds the deduplicated marker sequence observed in the block.
	Markers []Marker
	// Silent is true once the consecutive-zero run has exceeded the
	// silence threshold (~100ms of decoded zeros).
	Silent bool
	// SamplesAnalyzed is the number of input samples consumed.
	SamplesAnalyzed int
}

// CounterDecoder recovers markers from captured counter channel audio and
// tracks silence across calls. Zero-valued samples are never markers; a run
// of them longer than the threshold declares the channel silent.
type CounterDecoder struct {
	silenceThreshold int
	consecutiveZeros int
	lastWordValue    uint16
	lastParityOK     bool
	haveLast         bool
}

// NewCounterDecoder creates a decoder. The silence threshold is
// sampleRate/10 samples, about 100ms.
func NewCounterDecoder(sampleRate int) *CounterDecoder {
	return &CounterDecoder{silenceThreshold: sampleRate / 10}
}

// Decode consumes one block of captured counter samples.
func (d *CounterDecoder) Decode(samples []float64) DecodeResult {
	res := DecodeResult{SamplesAnalyzed: len(samples)}

	for _, s := range samples {
		if math.Abs(s) < 1.0/markerScale {
			d.consecutiveZeros++
			continue
		}
		d.consecutiveZeros = 0

		value, parityOK := DecodeMarker(s)

		if d.haveLast && value == d.lastWordValue && parityOK == d.lastParityOK {
			continue
		}
		d.lastWordValue = value
		d.lastParityOK = parityOK
		d.haveLast = true
		res.Markers = append(res.Markers, Marker{Value: value, ParityOK: parityOK})
	}

	res.Silent = d.consecutiveZeros >= d.silenceThreshold
	return res
}

// Reset clears decoder state, used across engine stop/start.
func (d *CounterDecoder) Reset() {
	d.consecutiveZeros = 0
	d.haveLast = false
	d.lastWordValue = 0
	d.lastParityOK = false
}
