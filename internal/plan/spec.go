package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/orchard/internal/errors"
)

// LoadSpec reads a parsed plan from the given file. The file is the output
// of the external plan document parser, serialized as YAML (.yaml/.yml) or
// JSON (anything else). The loaded spec is structurally validated but its
// dependency graph is not built here; callers run BuildGraph separately so
// cycle errors surface before any state is created.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("plan", path)
		}
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var spec Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("malformed plan yaml: %v", err))
		}
	default:
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("malformed plan json: %v", err))
		}
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the structural parser contract: a plan ID, at least one
// task, dotted task IDs, and non-empty descriptions. Dependency semantics
// (unknown references, self-references, cycles) are checked by BuildGraph.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return errors.NewValidationError("plan id is required")
	}
	if len(s.Tasks) == 0 {
		return errors.NewValidationError("plan has no tasks")
	}

	for i := range s.Tasks {
		t := &s.Tasks[i]
		if t.ID == "" {
			return errors.NewValidationError("task has empty id")
		}
		if !strings.Contains(t.ID, ".") {
			return errors.NewValidationError("task id is not in phase.index form").
				WithTask(t.ID).WithField("id")
		}
		if t.Description == "" {
			return errors.NewValidationError("task has no description").
				WithTask(t.ID).WithField("description")
		}
	}
	return nil
}
