package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDataValidation marks malformed or insufficient input data
	ErrDataValidation = errors.New("data validation error")
	// ErrConfiguration marks invalid or out-of-range settings
	ErrConfiguration = errors.New("configuration error")
	// ErrSimulation marks an internal invariant violation inside one run
	ErrSimulation = errors.New("simulation error")
	// ErrOptimizationTimeout marks a run stopped by cancellation or deadline
	ErrOptimizationTimeout = errors.New("optimization timeout")
)

// NewDataValidationError wraps ErrDataValidation with detail
func NewDataValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDataValidation, fmt.Sprintf(format, args...))
}

// NewConfigurationError wraps ErrConfiguration with detail
func NewConfigurationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NewSimulationError wraps ErrSimulation with detail
func NewSimulationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSimulation, fmt.Sprintf(format, args...))
}

// NewOptimizationTimeout wraps ErrOptimizationTimeout around the context
// cause; errors.Is matches both.
func NewOptimizationTimeout(cause error, stage string) error {
	if cause == nil {
		return fmt.Errorf("%w: stopped during %s", ErrOptimizationTimeout, stage)
	}
	return fmt.Errorf("%w: stopped during %s: %w", ErrOptimizationTimeout, stage, cause)
}
