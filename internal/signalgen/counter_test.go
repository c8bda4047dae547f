package signalgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarker_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, value := range []uint16{1, 2, 3, 255, 1024, 16384, counterMax} {
		sample := EncodeMarker(value)
		decoded, ok := DecodeMarker(sample)
		assert.True(t, ok, "value %d", value)
		assert.Equal(t, value, decoded, "value %d", value)
	}
}

func TestMarker_ParityDetectsCorruption(t *testing.T) {
	t.Parallel()

	// Flipping a single payload bit breaks even parity.
	sample := EncodeMarker(100)
	word := uint16(sample * markerScale)
	corrupted := float64(word^0b100) / markerScale

	_, ok := DecodeMarker(corrupted)
	assert.False(t, ok)
}

func TestNextCounter_WrapsPastMax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint16(2), nextCounter(1))
	assert.Equal(t, uint16(counterMax), nextCounter(counterMax-1))
	assert.Equal(t, uint16(1), nextCounter(counterMax))
}

func TestCounter_OneMarkerPerPeriod(t *testing.T) {
	t.Parallel()

	const period = 16
	c := NewCounter(period)

	for i := range period {
		v, ok := DecodeMarker(c.NextSample())
		require.True(t, ok)
		assert.Equal(t, uint16(1), v, "sample %d", i)
	}
	for range period {
		v, ok := DecodeMarker(c.NextSample())
		require.True(t, ok)
		assert.Equal(t, uint16(2), v)
	}
	assert.Equal(t, uint16(3), c.Value())
}

func TestCounter_Reset(t *testing.T) {
	t.Parallel()

	c := NewCounter(4)
	for range 10 {
		c.NextSample()
	}
	c.Reset()
	assert.Equal(t, uint16(1), c.Value())
}

func TestCounterDecoder_DeduplicatesConsecutiveMarkers(t *testing.T) {
	t.Parallel()

	d := NewCounterDecoder(48000)

	samples := make([]float64, 0, 300)
	for range 100 {
		samples = append(samples, EncodeMarker(5))
	}
	for range 100 {
		samples = append(samples, EncodeMarker(6))
	}
	for range 100 {
		samples = append(samples, EncodeMarker(7))
	}

	res := d.Decode(samples)
	require.Len(t, res.Markers, 3)
	assert.Equal(t, uint16(5), res.Markers[0].Value)
	assert.Equal(t, uint16(6), res.Markers[1].Value)
	assert.Equal(t, uint16(7), res.Markers[2].Value)
	assert.False(t, res.Silent)
	assert.Equal(t, 300, res.SamplesAnalyzed)
}

func TestCounterDecoder_DedupeSpansBlocks(t *testing.T) {
	t.Parallel()

	d := NewCounterDecoder(48000)

	block := []float64{EncodeMarker(9), EncodeMarker(9)}
	res := d.Decode(block)
	require.Len(t, res.Markers, 1)

	res = d.Decode(block)
	assert.Empty(t, res.Markers)
}

func TestCounterDecoder_SilenceThreshold(t *testing.T) {
	t.Parallel()

	const sampleRate = 48000
	threshold := sampleRate / 10
	d := NewCounterDecoder(sampleRate)

	res := d.Decode(make([]float64, threshold-1))
	assert.False(t, res.Silent)

	res = d.Decode(make([]float64, 1))
	assert.True(t, res.Silent)
}

func TestCounterDecoder_MarkerClearsSilenceRun(t *testing.T) {
	t.Parallel()

	const sampleRate = 48000
	d := NewCounterDecoder(sampleRate)

	samples := make([]float64, sampleRate/10-1)
	samples = append(samples, EncodeMarker(1))
	samples = append(samples, make([]float64, sampleRate/10-1)...)

	res := d.Decode(samples)
	assert.False(t, res.Silent)
	require.Len(t, res.Markers, 1)
}

func TestCounterDecoder_CorruptedMarkerReported(t *testing.T) {
	t.Parallel()

	d := NewCounterDecoder(48000)

	word := uint16(EncodeMarker(42) * markerScale)
	corrupted := float64(word^0b100) / markerScale

	res := d.Decode([]float64{corrupted})
	require.Len(t, res.Markers, 1)
	assert.False(t, res.Markers[0].ParityOK)
}
