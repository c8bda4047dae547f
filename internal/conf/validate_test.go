package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zbynekdrlik/audiotester/internal/errors"
)

func validSettings() *Settings {
	return &Settings{
		Audio: AudioSettings{
			SampleRate:     48000,
			SignalChannel:  0,
			CounterChannel: 1,
			MLSOrder:       15,
		},
		Analysis: AnalysisSettings{
			ConfidenceThreshold: 0.3,
			MaxLatencyMs:        100.0,
			SignalLostCycles:    3,
		},
		Reconnect: ReconnectSettings{
			MaxAttempts:   5,
			BackoffBaseMs: 500,
		},
	}
}

func TestValidateSettings_Valid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettings_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unsupported sample rate", func(s *Settings) { s.Audio.SampleRate = 12345 }},
		{"negative signal channel", func(s *Settings) { s.Audio.SignalChannel = -1 }},
		{"negative counter channel", func(s *Settings) { s.Audio.CounterChannel = -2 }},
		{"identical channels", func(s *Settings) { s.Audio.CounterChannel = s.Audio.SignalChannel }},
		{"order too low", func(s *Settings) { s.Audio.MLSOrder = 1 }},
		{"order too high", func(s *Settings) { s.Audio.MLSOrder = 16 }},
		{"threshold at zero", func(s *Settings) { s.Analysis.ConfidenceThreshold = 0 }},
		{"threshold at one", func(s *Settings) { s.Analysis.ConfidenceThreshold = 1 }},
		{"zero debounce cycles", func(s *Settings) { s.Analysis.SignalLostCycles = 0 }},
		{"negative reconnect attempts", func(s *Settings) { s.Reconnect.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSettings()
			tt.mutate(s)
			err := ValidateSettings(s)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid), "got %v", err)
		})
	}
}
