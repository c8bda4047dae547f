// Package signalgen generates the deterministic loopback test waveform:
// a maximum length sequence on the signal channel and parity-protected
// counter markers on an independent channel.
package signalgen

import "fmt"

// DefaultAmplitude leaves -6dB of headroom on the signal channel.
const DefaultAmplitude = 0.5

// Feedback masks for the Galois LFSR, indexed by order. Each mask encodes a
// primitive polynomial producing a maximal-length sequence of 2^order - 1
// states. Source: Xilinx XAPP052 LFSR tap tables.
var lfsrMasks = map[int]uint32{
	2:  0x3,
	3:  0x6,
	4:  0xC,
	5:  0x14,
	6:  0x30,
	7:  0x60,
	8:  0xB8,
	9:  0x110,
	10: 0x240,
	11: 0x500,
	12: 0xE08,
	13: 0x1C80,
	14: 0x3802,
	15: 0x6000,
}

// MLS is a maximum length sequence generator. The sequence has a single
// sharp autocorrelation peak at zero lag, which is what makes
// correlation-based delay detection work. Same order always yields a
// bit-identical sequence.
type MLS struct {
	order     int
	length    int
	position  int
	sequence  []float64
	amplitude float64
}

// NewMLS creates a generator for the given order. Sequence length is
// 2^order - 1; order must be in 2..15.
func NewMLS(order int) (*MLS, error) {
	mask, ok := lfsrMasks[order]
	if !ok {
		return nil, fmt.Errorf("MLS order %d out of range 2..15", order)
	}

	length := (1 << order) - 1
	sequence := make([]float64, 0, length)

	lfsr := uint32(1)
	for range length {
		out := lfsr & 1
		if out == 1 {
			sequence = append(sequence, 1.0)
		} else {
			sequence = append(sequence, -1.0)
		}
		lfsr >>= 1
		if out == 1 {
			lfsr ^= mask
		}
	}

	return &MLS{
		order:     order,
		length:    length,
		sequence:  sequence,
		amplitude: DefaultAmplitude,
	}, nil
}

// NextSample returns the next sample, repeating the sequence indefinitely.
func (m *MLS) NextSample() float64 {
	s := m.sequence[m.position] * m.amplitude
	m.position = (m.position + 1) % m.length
	return s
}

// Fill writes sequential samples into buf.
func (m *MLS) Fill(buf []float64) {
	for i := range buf {
		buf[i] = m.NextSample()
	}
}

// Reset restarts the sequence from the beginning.
func (m *MLS) Reset() {
	m.position = 0
}

// Position returns the current offset within the period.
func (m *MLS) Position() int {
	return m.position
}

// Length returns the sequence period in samples.
func (m *MLS) Length() int {
	return m.length
}

// Order returns the sequence order.
func (m *MLS) Order() int {
	return m.order
}

// Sequence returns the unscaled reference sequence for correlation.
// The returned slice is shared and must be treated as read-only.
func (m *MLS) Sequence() []float64 {
	return m.sequence
}

// Amplitude returns the output scaling factor.
func (m *MLS) Amplitude() float64 {
	return m.amplitude
}

// SetAmplitude sets the output scaling factor, clamped to [0,1].
func (m *MLS) SetAmplitude(a float64) {
	m.amplitude = min(max(a, 0), 1)
}
