package agent

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestExecRunnerSuccess(t *testing.T) {
	r := NewExecRunner("sh", []string{"-c", `echo "artifact: src/api.go"; echo progress; echo "artifact:src/db.go"`, "sh"}, t.TempDir(), nil)

	res, err := r.Run(context.Background(), "1.1", "build api")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	want := []string{"src/api.go", "src/db.go"}
	if !reflect.DeepEqual(res.Artifacts, want) {
		t.Errorf("artifacts = %v, want %v", res.Artifacts, want)
	}
}

func TestExecRunnerFailureCapturesStderr(t *testing.T) {
	r := NewExecRunner("sh", []string{"-c", `echo "tests failed" >&2; exit 1`, "sh"}, t.TempDir(), nil)

	res, err := r.Run(context.Background(), "1.1", "build api")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error != "tests failed" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecRunnerPassesTaskArgs(t *testing.T) {
	// $1 is the task ID because the -c script consumes $0.
	r := NewExecRunner("sh", []string{"-c", `[ "$1" = "2.3" ] && [ "$2" = "wire handlers" ]`, "sh"}, t.TempDir(), nil)

	res, err := r.Run(context.Background(), "2.3", "wire handlers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Errorf("task arguments not forwarded: %+v", res)
	}
}

func TestExecRunnerCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := NewExecRunner("sleep", []string{"10"}, t.TempDir(), nil)
	start := time.Now()
	_, err := r.Run(ctx, "1.1", "slow task")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not kill the subprocess")
	}
}

func TestExecRunnerNoCommand(t *testing.T) {
	r := NewExecRunner("", nil, "", nil)
	if _, err := r.Run(context.Background(), "1.1", "x"); err == nil {
		t.Fatal("expected error with no command configured")
	}
}
