package commitqueue

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/orchard/internal/errors"
)

const stateFileName = "commitqueue.json"

// persistedState is the on-disk queue: unconfirmed entries plus the seq
// counter, so ordering survives restarts.
type persistedState struct {
	NextSeq uint64  `json:"next_seq"`
	Entries []Entry `json:"entries"`
}

type stateFile struct {
	path string
}

func newStateFile(dir string) *stateFile {
	return &stateFile{path: filepath.Join(dir, stateFileName)}
}

func (sf *stateFile) load() (*persistedState, error) {
	data, err := os.ReadFile(sf.path)
	if os.IsNotExist(err) {
		return &persistedState{}, nil
	}
	if err != nil {
		return nil, errors.NewStoreError("read commit queue state", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.NewStoreError("parse commit queue state", errors.ErrSnapshotCorrupted)
	}
	return &state, nil
}

// save writes atomically: marshal, write a temp file in the same
// directory, then rename over the previous state.
func (sf *stateFile) save(state *persistedState) error {
	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		return errors.NewStoreError("create commit queue dir", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.NewStoreError("marshal commit queue state", err)
	}
	tmp := sf.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewStoreError("write commit queue state", err)
	}
	if err := os.Rename(tmp, sf.path); err != nil {
		return errors.NewStoreError("replace commit queue state", err)
	}
	return nil
}
