package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestSeverityString(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestStoreError(t *testing.T) {
	err := NewStoreError("failed to load snapshot", ErrPlanNotFound).WithPlanID("plan-1")

	if !Is(err, ErrPlanNotFound) {
		t.Error("StoreError should match its cause via errors.Is")
	}

	want := "store error [plan=plan-1]: failed to load snapshot: plan not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStoreErrorRetryable(t *testing.T) {
	err := NewStoreError("lock busy", ErrLockTimeout).WithRetryable(true)

	if !IsRetryable(err) {
		t.Error("store error marked retryable should classify as retryable")
	}
}

func TestExecutionError(t *testing.T) {
	cause := New("agent exited 1")
	err := NewExecutionError("2.3", 1, cause)

	if !IsRetryable(err) {
		t.Error("execution errors should be retryable by default")
	}
	if !Is(err, cause) {
		t.Error("execution error should unwrap to its cause")
	}

	var execErr *ExecutionError
	if !As(err, &execErr) {
		t.Fatal("errors.As should find *ExecutionError")
	}
	if execErr.TaskID != "2.3" || execErr.Attempt != 1 {
		t.Errorf("unexpected context: task=%s attempt=%d", execErr.TaskID, execErr.Attempt)
	}
}

func TestCommitError(t *testing.T) {
	err := NewCommitError("collaborator rejected commit", New("exit status 128")).WithEntryID("e-42")

	if !Is(err, ErrCommitFailed) {
		t.Error("commit errors should match ErrCommitFailed")
	}
	want := "commit error [entry=e-42]: collaborator rejected commit: exit status 128"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotFoundError(t *testing.T) {
	taskErr := NewNotFoundError("task", "1.2")
	if !Is(taskErr, ErrTaskNotFound) {
		t.Error("task NotFoundError should match ErrTaskNotFound")
	}

	planErr := NewNotFoundError("plan", "p-1")
	if !Is(planErr, ErrPlanNotFound) {
		t.Error("plan NotFoundError should match ErrPlanNotFound")
	}
	if Is(planErr, ErrTaskNotFound) {
		t.Error("plan NotFoundError should not match ErrTaskNotFound")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("task depends on itself").WithTask("3.1").WithField("dependencies")

	want := "validation error [task=3.1, field=dependencies]: task depends on itself"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !Is(err, ErrPlanInvalid) {
		t.Error("validation errors should match ErrPlanInvalid")
	}
	if IsRetryable(err) {
		t.Error("validation errors are never retryable")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("lock acquisition", 5*time.Second)

	if !IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Errorf("expected warning severity, got %s", SeverityOf(err))
	}
}

func TestIsRetryableLockTimeout(t *testing.T) {
	wrapped := fmt.Errorf("mutate: %w", ErrLockTimeout)
	if !IsRetryable(wrapped) {
		t.Error("wrapped ErrLockTimeout should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestSeverityOfPlainError(t *testing.T) {
	if SeverityOf(New("boom")) != SeverityError {
		t.Error("plain errors default to SeverityError")
	}
	if SeverityOf(nil) != SeverityDebug {
		t.Error("nil severity should be debug")
	}
}
