package event

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/orchard/internal/errors"
)

func TestReadLogMissingFile(t *testing.T) {
	_, err := ReadLog(filepath.Join(t.TempDir(), "nope.jsonl"))
	if !errors.Is(err, errors.ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestDecodeLogSkipsTornLine(t *testing.T) {
	raw := strings.Join([]string{
		`{"id":1,"type":"run.started","timestamp":"2026-01-02T03:04:05Z","payload":{"run_id":"r1"}}`,
		`{"id":2,"type":"task.started","timestamp":"2026-01-02T03:04:06Z","payload":{"task_id":"1.1"}}`,
		`{"id":3,"type":"task.comp`, // interrupted write
	}, "\n")

	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	if events[1].TaskID() != "1.1" {
		t.Errorf("task id = %q, want 1.1", events[1].TaskID())
	}
}

func TestFilterByType(t *testing.T) {
	events := []Event{
		{ID: 1, Type: TypeTaskStarted},
		{ID: 2, Type: TypeTaskCompleted},
		{ID: 3, Type: TypeTaskStarted},
		{ID: 4, Type: TypePhaseCompleted},
	}

	got := FilterByType(events, TypeTaskStarted)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Errorf("filtered = %+v", got)
	}

	if got := FilterByType(events); len(got) != 4 {
		t.Errorf("no-type filter returned %d events, want 4", len(got))
	}
}

func TestFilterAfter(t *testing.T) {
	events := []Event{{ID: 1}, {ID: 2}, {ID: 3}}
	got := FilterAfter(events, 1)
	if len(got) != 2 || got[0].ID != 2 {
		t.Errorf("filtered = %+v", got)
	}
}
