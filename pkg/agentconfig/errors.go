// pkg/agentconfig/errors.go

package agentconfig

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRunners is returned when a model is built without any runner definitions.
	ErrNoRunners = errors.New("at least one runner definition is required")

	// ErrFrozen is returned by Builder.AddRunner once Build has succeeded.
	ErrFrozen = errors.New("configuration model is frozen; runners can only be added before Build")
)

// DuplicateRunnerNameError reports two runner definitions sharing a name.
type DuplicateRunnerNameError struct {
	Name string
}

func (e *DuplicateRunnerNameError) Error() string {
	return fmt.Sprintf("duplicate runner name %q", e.Name)
}

// MissingRequiredExecutorFieldError reports a required executor field left empty.
type MissingRequiredExecutorFieldError struct {
	Runner string
	Kind   ExecutorKind
	Field  string
}

func (e *MissingRequiredExecutorFieldError) Error() string {
	return fmt.Sprintf("runner %q: executor %q requires field %q", e.Runner, e.Kind, e.Field)
}

// InvalidTagError reports a tag outside the allowed character class.
type InvalidTagError struct {
	Runner string
	Value  string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("runner %q: invalid tag %q (allowed: %s)", e.Runner, e.Value, tagPatternText)
}

// InvalidConcurrencyError reports a concurrency limit below one.
type InvalidConcurrencyError struct {
	Value int
}

func (e *InvalidConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency must be >= 1, got %d", e.Value)
}

// InvalidCheckIntervalError reports a negative check interval.
type InvalidCheckIntervalError struct {
	Value int
}

func (e *InvalidCheckIntervalError) Error() string {
	return fmt.Sprintf("check interval must be >= 0 seconds, got %d", e.Value)
}

// InvalidLogFormatError reports an unsupported log format literal.
type InvalidLogFormatError struct {
	Value LogFormat
}

func (e *InvalidLogFormatError) Error() string {
	return fmt.Sprintf("unsupported log format %q (supported: runner, text, json)", string(e.Value))
}

// InvalidRunnerError covers runner-level problems that are not one of the
// more specific errors above.
type InvalidRunnerError struct {
	Runner string
	Reason string
}

func (e *InvalidRunnerError) Error() string {
	return fmt.Sprintf("runner %q: %s", e.Runner, e.Reason)
}

// InvalidSecretRefError is returned by ParseSecretRef. It deliberately does not
// carry the rejected input: that input may be a secret.
type InvalidSecretRefError struct {
	Reason string
}

func (e *InvalidSecretRefError) Error() string {
	return "invalid secret reference: " + e.Reason
}
