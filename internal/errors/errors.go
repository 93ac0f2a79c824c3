// Package errors provides centralized error definitions and error handling
// utilities for the Orchard codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - StoreError: errors related to the status store (locking, persistence)
//   - ExecutionError: errors from agent runner task execution
//   - CommitError: errors related to the serial commit queue
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewStoreError("failed to load snapshot", errors.ErrPlanNotFound)
//
//	// Semantic error
//	err := errors.NewNotFoundError("task", "2.3")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrLockTimeout) { ... }
//
//	// Check for error types
//	var execErr *errors.ExecutionError
//	if errors.As(err, &execErr) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan-related sentinel errors
var (
	// ErrPlanNotFound indicates that a plan could not be found.
	ErrPlanNotFound = New("plan not found")
	// ErrPlanInvalid indicates that a plan failed validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrDependencyCycle indicates a circular dependency between tasks.
	ErrDependencyCycle = New("dependency cycle detected")
)

// Status store sentinel errors
var (
	// ErrLockTimeout indicates the per-plan advisory lock could not be
	// acquired within the configured bound.
	ErrLockTimeout = New("status lock acquisition timed out")
	// ErrSnapshotCorrupted indicates snapshot data could not be parsed.
	ErrSnapshotCorrupted = New("status snapshot corrupted")
	// ErrInvalidTransition indicates an illegal task status transition.
	ErrInvalidTransition = New("invalid status transition")
)

// Commit queue sentinel errors
var (
	// ErrQueueClosed indicates the commit queue has been shut down.
	ErrQueueClosed = New("commit queue closed")
	// ErrCommitFailed indicates the version control collaborator rejected a commit.
	ErrCommitFailed = New("commit failed")
)

// Orchestration sentinel errors
var (
	// ErrNotRunning indicates the orchestrator is not in a running state.
	ErrNotRunning = New("orchestrator is not running")
	// ErrAlreadyRunning indicates the orchestrator has already been started.
	ErrAlreadyRunning = New("orchestrator already running")
	// ErrCancelled indicates the orchestration run was cancelled.
	ErrCancelled = New("orchestration cancelled")
)

// IPC sentinel errors
var (
	// ErrIPCTimeout indicates a control request was not answered within the bound.
	ErrIPCTimeout = New("ipc request timed out")
	// ErrUnknownCommand indicates an unrecognized control command.
	ErrUnknownCommand = New("unknown command")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// OrchardError is the base interface for all Orchard errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type OrchardError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StoreError represents errors from the status store subsystem.
type StoreError struct {
	baseError
	PlanID string
}

// NewStoreError creates a new StoreError.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithPlanID adds a plan ID to the error context.
func (e *StoreError) WithPlanID(id string) *StoreError {
	e.PlanID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StoreError) WithRetryable(r bool) *StoreError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	prefix := "store error"
	if e.PlanID != "" {
		prefix = fmt.Sprintf("store error [plan=%s]", e.PlanID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target via its cause chain.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.cause, target)
}

// ExecutionError represents a task execution failure reported by the
// agent runner. Execution errors are retryable until the task exhausts
// its retry budget.
type ExecutionError struct {
	baseError
	TaskID  string
	Attempt int
}

// NewExecutionError creates a new ExecutionError for the given task.
func NewExecutionError(taskID string, attempt int, cause error) *ExecutionError {
	return &ExecutionError{
		baseError: baseError{
			message:   "task execution failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		TaskID:  taskID,
		Attempt: attempt,
	}
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	prefix := fmt.Sprintf("execution error [task=%s, attempt=%d]", e.TaskID, e.Attempt)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// CommitError represents errors from the serial commit queue.
type CommitError struct {
	baseError
	EntryID string
}

// NewCommitError creates a new CommitError.
func NewCommitError(message string, cause error) *CommitError {
	return &CommitError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithEntryID adds a queue entry ID to the error context.
func (e *CommitError) WithEntryID(id string) *CommitError {
	e.EntryID = id
	return e
}

// Error returns the formatted error message.
func (e *CommitError) Error() string {
	prefix := "commit error"
	if e.EntryID != "" {
		prefix = fmt.Sprintf("commit error [entry=%s]", e.EntryID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target via its cause chain.
func (e *CommitError) Is(target error) bool {
	if target == ErrCommitFailed {
		return true
	}
	return errors.Is(e.cause, target)
}

// VCSError represents errors from version control operations, carrying
// the repository path and the command output for diagnostics.
type VCSError struct {
	baseError
	Repository string
	Output     string
}

// NewVCSError creates a new VCSError.
func NewVCSError(message string, cause error) *VCSError {
	return &VCSError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithRepository adds the repository path to the error context.
func (e *VCSError) WithRepository(path string) *VCSError {
	e.Repository = path
	return e
}

// WithOutput adds the command output to the error context.
func (e *VCSError) WithOutput(output string) *VCSError {
	e.Output = output
	return e
}

// Error returns the formatted error message.
func (e *VCSError) Error() string {
	prefix := "vcs error"
	if e.Repository != "" {
		prefix = fmt.Sprintf("vcs error [repo=%s]", e.Repository)
	}
	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	if e.Output != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, msg, e.Output)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the underlying cause.
func (e *VCSError) Unwrap() error {
	return e.cause
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError indicates a resource could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s not found: %s", resourceType, resourceID),
			severity: SeverityError,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Is matches the corresponding sentinel so callers can use errors.Is
// without knowing the concrete type.
func (e *NotFoundError) Is(target error) bool {
	switch e.ResourceType {
	case "plan":
		if target == ErrPlanNotFound {
			return true
		}
	case "task":
		if target == ErrTaskNotFound {
			return true
		}
	}
	return errors.Is(e.cause, target)
}

// ValidationError indicates invalid input or state, fatal at build time.
type ValidationError struct {
	baseError
	TaskID string
	Field  string
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityError,
		},
	}
}

// WithTask adds the offending task ID to the error context.
func (e *ValidationError) WithTask(id string) *ValidationError {
	e.TaskID = id
	return e
}

// WithField adds the offending field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is matches ErrPlanInvalid so build-time failures compare uniformly.
func (e *ValidationError) Is(target error) bool {
	return target == ErrPlanInvalid
}

// TimeoutError indicates an operation exceeded its time bound.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a TimeoutError for the given operation.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   fmt.Sprintf("%s timed out after %s", operation, duration),
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This covers errors implementing OrchardError
// with IsRetryable() returning true, plus the lock timeout sentinel.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var oerr OrchardError
	if errors.As(err, &oerr) {
		return oerr.IsRetryable()
	}
	return errors.Is(err, ErrLockTimeout)
}

// SeverityOf returns the severity of an error, defaulting to SeverityError
// for errors that do not implement OrchardError.
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var oerr OrchardError
	if errors.As(err, &oerr) {
		return oerr.Severity()
	}
	return SeverityError
}
