// validate.go: settings validation, rejected before any engine state change.
package conf

import (
	"slices"

	"github.com/zbynekdrlik/audiotester/internal/errors"
)

// ValidateSettings checks the loaded settings for values the engine cannot
// operate with. Validation failures map to the ConfigInvalid error kind.
func ValidateSettings(s *Settings) error {
	if !slices.Contains(SupportedSampleRates, s.Audio.SampleRate) {
		return errors.Newf("unsupported sample rate %d: %w", s.Audio.SampleRate, errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("sample_rate", s.Audio.SampleRate).
			Build()
	}

	if s.Audio.SignalChannel < 0 || s.Audio.CounterChannel < 0 {
		return errors.Newf("channel indices must be non-negative: %w", errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	if s.Audio.SignalChannel == s.Audio.CounterChannel {
		return errors.Newf("signal and counter channels must differ: %w", errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("channel", s.Audio.SignalChannel).
			Build()
	}

	if s.Audio.MLSOrder < 2 || s.Audio.MLSOrder > 15 {
		return errors.Newf("MLS order %d out of range 2..15: %w", s.Audio.MLSOrder, errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("mls_order", s.Audio.MLSOrder).
			Build()
	}

	if s.Analysis.ConfidenceThreshold <= 0 || s.Analysis.ConfidenceThreshold >= 1 {
		return errors.Newf("confidence threshold %.2f out of range (0,1): %w",
			s.Analysis.ConfidenceThreshold, errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	if s.Analysis.SignalLostCycles < 1 {
		return errors.Newf("signal lost cycle count must be at least 1: %w", errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	if s.Reconnect.MaxAttempts < 0 {
		return errors.Newf("reconnect attempts must be non-negative: %w", errors.ErrConfigInvalid).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	return nil
}
