// pkg/forge_err/classification.go
//
// Error classification with exit codes. Synthesis-time problems (bad runner
// definitions) and bootstrap-time problems (failed commands, verification
// timeouts, unresolvable secrets) are kept in separate categories so the
// invoking orchestration can tell "fix your input" from "the node broke".

package forge_err

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies errors for appropriate handling
type ErrorCategory int

const (
	// CategorySystem - OS/filesystem issues (exit 1)
	CategorySystem ErrorCategory = iota
	// CategoryValidation - invalid model or deployment file (exit 2)
	CategoryValidation
	// CategoryExecution - a bootstrap operation failed on the node (exit 1)
	CategoryExecution
	// CategorySecret - a secret reference could not be resolved (exit 1)
	CategorySecret
	// CategoryTimeout - a verification poll ran out of time (exit 1)
	CategoryTimeout
	// CategoryUser - user cancelled/interrupted (exit 130)
	CategoryUser
	// CategoryInternal - bugs in runnerforge itself (exit 3)
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryExecution:
		return "execution"
	case CategorySecret:
		return "secret"
	case CategoryTimeout:
		return "timeout"
	case CategoryUser:
		return "user"
	case CategoryInternal:
		return "internal"
	default:
		return "system"
	}
}

// ClassifiedError wraps an error with category and remediation info
type ClassifiedError struct {
	Category    ErrorCategory
	Message     string
	Cause       error
	Remediation []string
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	var sb strings.Builder

	sb.WriteString(e.Message)

	if e.Cause != nil && e.Cause.Error() != e.Message {
		sb.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Remediation) > 0 {
		sb.WriteString("\n\nHow to fix:")
		for i, step := range e.Remediation {
			sb.WriteString(fmt.Sprintf("\n  %d. %s", i+1, step))
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// ExitCode returns the appropriate exit code for this error category
func (e *ClassifiedError) ExitCode() int {
	switch e.Category {
	case CategoryUser:
		return 130 // Standard for SIGINT (Ctrl-C)
	case CategoryValidation:
		return 2
	case CategoryInternal:
		return 3
	default:
		return 1
	}
}

// GetExitCode extracts exit code from any error.
// Returns 0 for nil, the category code for classified errors, 1 for others.
func GetExitCode(err error) int {
	if err == nil {
		return 0
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.ExitCode()
	}
	return 1
}

// CategoryOf reports the category of the outermost classified error in the chain.
func CategoryOf(err error) (ErrorCategory, bool) {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category, true
	}
	return CategorySystem, false
}

// IsValidation reports whether err is a synthesis-time validation failure.
func IsValidation(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == CategoryValidation
}

// NewValidationError creates an error for model or input validation failures.
func NewValidationError(message string, cause error, remediation ...string) error {
	return &ClassifiedError{
		Category:    CategoryValidation,
		Message:     message,
		Cause:       cause,
		Remediation: remediation,
	}
}

// NewExecutionError creates an error for a failed bootstrap operation.
func NewExecutionError(message string, cause error, remediation ...string) error {
	return &ClassifiedError{
		Category:    CategoryExecution,
		Message:     message,
		Cause:       cause,
		Remediation: remediation,
	}
}

// NewSecretError creates an error for a secret that could not be resolved.
// The message must name the reference only, never the value.
func NewSecretError(ref string, cause error) error {
	return &ClassifiedError{
		Category: CategorySecret,
		Message:  fmt.Sprintf("failed to resolve secret reference %q", ref),
		Cause:    cause,
		Remediation: []string{
			"Check that the secret exists at the referenced path",
			"Check that the bootstrap credentials may read it",
		},
	}
}

// NewTimeoutError creates an error for a bounded wait that elapsed.
func NewTimeoutError(message string, cause error) error {
	return &ClassifiedError{
		Category: CategoryTimeout,
		Message:  message,
		Cause:    cause,
	}
}

// NewInternalError creates an error for runnerforge bugs
func NewInternalError(message string, cause error) error {
	return &ClassifiedError{
		Category: CategoryInternal,
		Message:  message,
		Cause:    cause,
		Remediation: []string{
			"This is likely a bug in runnerforge",
			"Include this error message and the deployment file (without secrets) when reporting",
		},
	}
}

// NewUserCancelledError creates an error for user-initiated cancellation
func NewUserCancelledError(operation string) error {
	return &ClassifiedError{
		Category:    CategoryUser,
		Message:     fmt.Sprintf("Operation cancelled by user: %s", operation),
		Remediation: []string{"Run the command again to retry; every bootstrap operation is safe to repeat"},
	}
}
