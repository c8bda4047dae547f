package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/smallnest/ringbuffer"
)

// worker drains the capture ring and runs one analysis cycle per sequence
// period. It is the only reader of the ring, which is passed in rather than
// read from the engine so a worker that outlives its run (a join timeout)
// can never contend with a successor over a replaced ring. If it falls
// behind by more than stalenessPeriods, the oldest data is discarded rather
// than queued unboundedly, so analysis stays close to real time.
func (e *Engine) worker(quit <-chan struct{}, done chan<- struct{}, period, channels int, ring *ringbuffer.RingBuffer) {
	defer close(done)

	cycleBytes := period * channels * bytesPerSample
	raw := make([]byte, cycleBytes)
	signal := make([]float64, period)
	counter := make([]float64, period)

	signalCh := e.cfg.SignalChannel
	counterCh := e.cfg.CounterChannel

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		for ring.Length() >= cycleBytes {
			// Bounded staleness: skip to the freshest periods.
			if ring.Length() > stalenessPeriods*cycleBytes {
				if _, err := ring.Read(raw); err != nil {
					break
				}
				e.droppedBlocks.Add(1)
				if e.metrics != nil {
					e.metrics.RecordDroppedBlock()
				}
				continue
			}

			if _, err := ring.Read(raw); err != nil {
				break
			}

			deinterleave(raw, channels, signalCh, signal)
			deinterleave(raw, channels, counterCh, counter)

			start := time.Now()
			e.processor.ProcessCycle(signal, counter)
			if e.metrics != nil {
				e.metrics.RecordAnalysisDuration(time.Since(start))
			}

			select {
			case <-quit:
				return
			default:
			}
		}
	}
}

// deinterleave extracts one channel of little-endian float32 frames.
func deinterleave(raw []byte, channels, channel int, dst []float64) {
	stride := channels * bytesPerSample
	off := channel * bytesPerSample
	for i := range dst {
		bits := binary.LittleEndian.Uint32(raw[i*stride+off:])
		dst[i] = float64(math.Float32frombits(bits))
	}
}
