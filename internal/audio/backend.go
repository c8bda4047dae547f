// Package audio owns the audio device stream lifecycle, the real-time
// callback, and the lock-free handoff to the analysis worker.
package audio

// DeviceInfo describes an audio device as reported by the host subsystem.
type DeviceInfo struct {
	ID             string
	Name           string
	IsDefault      bool
	InputChannels  int
	OutputChannels int
}

// StreamConfig is what a duplex stream is opened with.
type StreamConfig struct {
	// Device is the device name or ID; empty selects the system default.
	Device     string
	SampleRate int
	// Channels is the interleaved channel count on both directions.
	Channels int
}

// DataCallback is invoked on the device's real-time thread with interleaved
// 32-bit float little-endian frames. Implementations must never block,
// allocate, or take a blocking lock.
type DataCallback func(out, in []byte, frameCount uint32)

// Stream is an open duplex stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend abstracts the host audio subsystem so the engine can be driven by
// malgo in production and by a fake in tests.
type Backend interface {
	// Devices enumerates duplex-capable devices.
	Devices() ([]DeviceInfo, error)
	// OpenDuplex opens a stream. onStop fires when the device stops for any
	// reason other than an explicit Stop call (the device failure path).
	OpenDuplex(cfg StreamConfig, onData DataCallback, onStop func()) (Stream, error)
	// Close releases the backend context.
	Close() error
}
