// Package errors provides categorized error handling for the measurement engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCategory groups errors for logging and metrics.
type ErrorCategory string

const (
	CategoryDevice        ErrorCategory = "audio-device"
	CategoryStream        ErrorCategory = "audio-stream"
	CategoryBuffer        ErrorCategory = "audio-buffer"
	CategoryAnalysis      ErrorCategory = "signal-analysis"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryValidation    ErrorCategory = "validation"
	CategoryState         ErrorCategory = "state"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryGeneric       ErrorCategory = "generic"
)

// Sentinel errors for the engine's public error kinds. Callers test these
// with errors.Is; wrapping through EnhancedError preserves the match.
var (
	// ErrDeviceUnavailable is returned when the requested device is missing or busy.
	ErrDeviceUnavailable = stderrors.New("audio device unavailable")
	// ErrConfigInvalid is returned when a configuration is rejected before any state change.
	ErrConfigInvalid = stderrors.New("invalid engine configuration")
	// ErrStreamError indicates a mid-run device failure.
	ErrStreamError = stderrors.New("audio stream error")
	// ErrBusy is returned when start/stop is requested during an in-flight transition.
	ErrBusy = stderrors.New("engine busy with state transition")
)

// EnhancedError wraps an error with a category and structured context.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface.
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches either the wrapped error chain or, for EnhancedError targets,
// the category.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return stderrors.Is(ee.Err, target)
}

// LogAttrs returns the context as alternating key/value pairs for slog.
func (ee *EnhancedError) LogAttrs() []any {
	attrs := make([]any, 0, 2*len(ee.Context)+4)
	attrs = append(attrs, "component", ee.Component, "category", string(ee.Category))
	for k, v := range ee.Context {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// ErrorBuilder provides a fluent interface for creating enhanced errors.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a builder wrapping a formatted error.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds a context key/value pair.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError.
func (eb *ErrorBuilder) Build() *EnhancedError {
	category := eb.category
	if category == "" {
		category = CategoryGeneric
	}
	return &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// NewStd returns a plain sentinel error without enhancement.
func NewStd(text string) error {
	return stderrors.New(text)
}
