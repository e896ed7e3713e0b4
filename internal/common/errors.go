package common

import (
	"errors"
	"fmt"
)

// Error severity levels for prioritization
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
	SeverityFatal
)

// Error categories for better organization
type ErrorCategory string

const (
	CategoryValidation        ErrorCategory = "validation"
	CategoryPatchAcquisition  ErrorCategory = "patch_acquisition"
	CategoryPatchVerification ErrorCategory = "patch_verification"
	CategorySandbox           ErrorCategory = "sandbox"
	CategoryRollback          ErrorCategory = "rollback"
	CategoryDeployment        ErrorCategory = "deployment"
	CategoryTimeout           ErrorCategory = "timeout"
	CategoryDependency        ErrorCategory = "dependency"
	CategoryPermission        ErrorCategory = "permission"
	CategoryPostcondition     ErrorCategory = "postcondition"
	CategoryPersistence       ErrorCategory = "persistence"
)

// Common sentinel errors used across the application
var (
	ErrNilInput      = errors.New("nil input provided")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTimeout       = errors.New("operation timeout")
	ErrCanceled      = errors.New("operation canceled")
	ErrInternal      = errors.New("internal error")

	// State errors
	ErrInvalidState   = errors.New("invalid state")
	ErrNotInitialized = errors.New("not initialized")
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Remediation errors
	ErrNoPatchFound        = errors.New("no patch found")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrSignatureInvalid    = errors.New("signature verification failed")
	ErrUntrustedSource     = errors.New("patch source not in allow-list")
	ErrSandboxFailed       = errors.New("sandbox tests failed")
	ErrHealthCheckFailed   = errors.New("health check failed")
	ErrSnapshotNotVerified = errors.New("snapshot not verified")
	ErrRollbackFailed      = errors.New("rollback failed")
	ErrApprovalTimeout     = errors.New("approval request expired")
	ErrApprovalRejected    = errors.New("approval rejected")
	ErrExecutionLimit      = errors.New("max concurrent executions reached")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Error is a classified error carrying a category and severity in addition
// to the wrapped cause. Components classify expected domain failures with
// this so the engine can map them onto a terminal execution state instead
// of treating them as crashes.
type Error struct {
	Code     string
	Message  string
	Category ErrorCategory
	Severity ErrorSeverity
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error
func NewError(code, message string, category ErrorCategory, severity ErrorSeverity) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Category: category,
		Severity: severity,
	}
}

// Classify wraps err with a category and severity, preserving the chain
func Classify(err error, category ErrorCategory, severity ErrorSeverity) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message:  err.Error(),
		Category: category,
		Severity: severity,
		Cause:    err,
	}
}

// CategoryOf returns the category of a classified error, or empty string
func CategoryOf(err error) ErrorCategory {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// ValidationError represents a validation failure with field information
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// MultiError represents multiple errors that occurred
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors occurred: first error: %v (total: %d)", e.Errors[0], len(e.Errors))
}

// Add adds an error to the multi-error
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (e *MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns nil if no errors, otherwise returns the MultiError
func (e *MultiError) ErrorOrNil() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// OperationError represents an error during a specific operation
type OperationError struct {
	Op     string // Operation being performed
	Entity string // Entity being operated on
	Err    error  // Underlying error
}

func (e OperationError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e OperationError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with operation context
func WrapError(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		Op:     op,
		Entity: entity,
		Err:    err,
	}
}

// IsExpected reports whether err is an expected domain failure that should
// drive a terminal execution state rather than propagate as a crash.
func IsExpected(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNoPatchFound),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrUntrustedSource),
		errors.Is(err, ErrSandboxFailed),
		errors.Is(err, ErrHealthCheckFailed),
		errors.Is(err, ErrRollbackFailed),
		errors.Is(err, ErrApprovalTimeout),
		errors.Is(err, ErrApprovalRejected),
		errors.Is(err, ErrTimeout):
		return true
	}
	var ce *Error
	return errors.As(err, &ce)
}

// IsFatal reports whether the error is severe enough to require operator
// escalation. A failed rollback authorizes no further automated action.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRollbackFailed) {
		return true
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Severity >= SeverityFatal
	}
	return false
}
