// consts.go: fixed constants of the measurement protocol.
package conf

const (
	// DefaultSampleRate is the stream sample rate used when none is configured.
	DefaultSampleRate = 48000

	// DefaultMLSOrder yields a 32767 sample test sequence (2^15 - 1).
	DefaultMLSOrder = 15

	// DefaultConfidenceThreshold is the correlation confidence below which a
	// measurement is treated as unreliable.
	DefaultConfidenceThreshold = 0.3

	// DefaultMaxLatencyMs bounds valid loopback latency. Correlation lags at
	// or beyond this alias toward the sequence period and indicate a dead
	// path rather than a real delay.
	DefaultMaxLatencyMs = 100.0

	// DefaultSignalLostCycles is the number of consecutive invalid analysis
	// cycles required before signal_lost flips true.
	DefaultSignalLostCycles = 3

	// DefaultReconnectAttempts bounds mid-run stream failure recovery.
	DefaultReconnectAttempts = 5

	// DefaultBackoffBaseMs is the initial reconnect backoff, doubled per attempt.
	DefaultBackoffBaseMs = 500

	// BitDepth of the stream sample format (32-bit float).
	BitDepth = 32
)

// SupportedSampleRates lists the rates the engine accepts.
var SupportedSampleRates = []int{44100, 48000, 88200, 96000, 176400, 192000}
