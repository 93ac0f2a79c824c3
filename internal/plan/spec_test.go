package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/orchard/internal/errors"
)

const yamlPlan = `
id: auth-rework
objective: Rework the auth subsystem
tasks:
  - id: "1.1"
    description: Extract token validation
    depends_on: []
    files: [internal/auth/token.go]
  - id: "1.2"
    description: Add refresh endpoint
    depends_on: ["1.1"]
    sequential_group: migrations
  - id: "1.3"
    description: Backfill sessions table
    depends_on: ["1.1"]
    sequential_group: migrations
`

const jsonPlan = `{
  "id": "auth-rework",
  "tasks": [
    {"id": "1.1", "description": "Extract token validation", "depends_on": []},
    {"id": "2.1", "description": "Add refresh endpoint", "depends_on": ["1.1"]}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadSpecYAML(t *testing.T) {
	spec, err := LoadSpec(writeFile(t, "plan.yaml", yamlPlan))
	if err != nil {
		t.Fatalf("LoadSpec failed: %v", err)
	}

	if spec.ID != "auth-rework" {
		t.Errorf("expected plan id auth-rework, got %q", spec.ID)
	}
	if spec.TaskCount() != 3 {
		t.Fatalf("expected 3 tasks, got %d", spec.TaskCount())
	}

	groups := spec.SequentialGroups()
	members := groups["migrations"]
	if len(members) != 2 || members[0] != "1.2" || members[1] != "1.3" {
		t.Errorf("expected migrations group [1.2 1.3] in declared order, got %v", members)
	}
}

func TestLoadSpecJSON(t *testing.T) {
	spec, err := LoadSpec(writeFile(t, "plan.json", jsonPlan))
	if err != nil {
		t.Fatalf("LoadSpec failed: %v", err)
	}

	phases := spec.PhaseOrder()
	if len(phases) != 2 || phases[0] != "1" || phases[1] != "2" {
		t.Errorf("expected derived phase order [1 2], got %v", phases)
	}
}

func TestLoadSpecMissingFile(t *testing.T) {
	_, err := LoadSpec(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, errors.ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestLoadSpecMalformed(t *testing.T) {
	_, err := LoadSpec(writeFile(t, "plan.json", "{not json"))
	if !errors.Is(err, errors.ErrPlanInvalid) {
		t.Errorf("malformed plan should be a validation error, got %v", err)
	}
}

func TestValidateRejectsBadIDs(t *testing.T) {
	spec := &Spec{
		ID:    "p",
		Tasks: []Task{{ID: "nodot", Description: "x"}},
	}
	var valErr *errors.ValidationError
	if err := spec.Validate(); !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError for non-dotted id, got %v", err)
	}
}

func TestValidateRejectsEmptyDescription(t *testing.T) {
	spec := &Spec{
		ID:    "p",
		Tasks: []Task{{ID: "1.1"}},
	}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected error for empty description")
	}
}

func TestSplitIDAndLess(t *testing.T) {
	tests := []struct {
		id         string
		phase, idx int
	}{
		{"1.1", 1, 1},
		{"2.10", 2, 10},
		{"10.3", 10, 3},
		{"garbage", 0, 0},
	}
	for _, tt := range tests {
		p, i := SplitID(tt.id)
		if p != tt.phase || i != tt.idx {
			t.Errorf("SplitID(%q) = (%d,%d), want (%d,%d)", tt.id, p, i, tt.phase, tt.idx)
		}
	}

	if !Less("1.2", "1.10") {
		t.Error("ordering must be numeric, not lexical: 1.2 < 1.10")
	}
	if !Less("2.9", "10.1") {
		t.Error("phase ordering must be numeric: 2.9 < 10.1")
	}
	if Less("1.1", "1.1") {
		t.Error("Less must be irreflexive")
	}
}
