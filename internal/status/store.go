package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/plan"
)

const (
	snapshotFileName = "status.json"
	lockFileName     = "status.lock"

	// DefaultLockTimeout bounds advisory lock acquisition.
	DefaultLockTimeout = 10 * time.Second
)

// Store persists plan snapshots under a state directory, one subdirectory
// per plan. Writes are atomic (temp file + rename) and serialized by a
// per-plan advisory file lock with bounded acquisition, so a crash at any
// point leaves either the prior or the new fully-valid snapshot on disk.
type Store struct {
	dir         string
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the bounded lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// NewStore creates a Store rooted at the given directory. Plan
// subdirectories are created lazily on first init.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlanDir returns the state directory for the given plan.
func (s *Store) PlanDir(planID string) string {
	return filepath.Join(s.dir, planID)
}

func (s *Store) snapshotPath(planID string) string {
	return filepath.Join(s.PlanDir(planID), snapshotFileName)
}

func (s *Store) lock(planID string) *FileLock {
	return NewFileLock(filepath.Join(s.PlanDir(planID), lockFileName))
}

// Init creates the initial snapshot for a plan from parser output.
// It fails if a snapshot already exists; a plan is initialized exactly
// once and only after its dependency graph has been validated.
func (s *Store) Init(planID string, tasks []plan.Task, phaseOrder []string) (*Snapshot, error) {
	if err := os.MkdirAll(s.PlanDir(planID), 0755); err != nil {
		return nil, errors.NewStoreError("create plan directory", err).WithPlanID(planID)
	}

	fl := s.lock(planID)
	if err := fl.Lock(s.lockTimeout); err != nil {
		return nil, err
	}
	defer func() { _ = fl.Unlock() }()

	if _, err := os.Stat(s.snapshotPath(planID)); err == nil {
		return nil, errors.NewStoreError("plan already initialized", nil).WithPlanID(planID)
	}

	snap := NewSnapshot(planID, tasks, phaseOrder)
	if err := s.write(planID, snap); err != nil {
		return nil, err
	}
	return snap.Clone(), nil
}

// Load reads the current snapshot for a plan, taking only a shared lock.
//
// Load self-heals state left behind by a crashed run: any task still
// marked in_progress is reset to pending with an incremented retry count
// and an explanatory LastError. Healing is persisted immediately (under
// the exclusive lock) so repeated loads are idempotent. Data is never
// silently dropped; unparseable snapshots surface ErrSnapshotCorrupted.
func (s *Store) Load(planID string) (*Snapshot, error) {
	fl := s.lock(planID)
	if err := fl.LockShared(s.lockTimeout); err != nil {
		return nil, err
	}

	snap, err := s.read(planID)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	healed := healInterrupted(snap)
	_ = fl.Unlock()

	if !healed {
		return snap, nil
	}

	// Re-apply the healing under the write lock so it persists. The
	// mutate callback re-heals rather than copying: another process may
	// have already healed or advanced the state in between.
	return s.Mutate(planID, func(cur *Snapshot) error {
		healInterrupted(cur)
		return nil
	})
}

// healInterrupted resets in_progress tasks from a crashed run. Returns
// true if anything changed.
func healInterrupted(snap *Snapshot) bool {
	healed := false
	for _, t := range snap.Tasks {
		if t.Status == TaskInProgress {
			t.Status = TaskPending
			t.RetryCount++
			t.LastError = "interrupted: task was in progress when the previous run ended"
			t.StartedAt = nil
			healed = true
		}
	}
	return healed
}

// Mutate applies fn to the current snapshot under the exclusive per-plan
// lock and atomically persists the result. fn receives the live copy; if
// it returns an error, nothing is written. The returned snapshot is a
// clone, safe to read without further locking.
func (s *Store) Mutate(planID string, fn func(*Snapshot) error) (*Snapshot, error) {
	fl := s.lock(planID)
	if err := fl.Lock(s.lockTimeout); err != nil {
		return nil, err
	}
	defer func() { _ = fl.Unlock() }()

	snap, err := s.read(planID)
	if err != nil {
		return nil, err
	}

	if err := fn(snap); err != nil {
		return nil, err
	}

	snap.UpdatedAt = time.Now()
	if err := s.write(planID, snap); err != nil {
		return nil, err
	}
	return snap.Clone(), nil
}

// read parses the snapshot file. The caller must hold the lock.
func (s *Store) read(planID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("plan", planID)
		}
		return nil, errors.NewStoreError("read snapshot", err).WithPlanID(planID)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.NewStoreError("parse snapshot", errors.ErrSnapshotCorrupted).WithPlanID(planID)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, errors.NewStoreError(
			fmt.Sprintf("snapshot schema version %d is newer than supported %d", snap.SchemaVersion, SchemaVersion),
			nil).WithPlanID(planID)
	}
	if snap.Tasks == nil {
		snap.Tasks = make(map[string]*TaskState)
	}
	return &snap, nil
}

// write atomically persists a snapshot: marshal, write to a temp file in
// the same directory, then rename over the target. The caller must hold
// the exclusive lock.
func (s *Store) write(planID string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.NewStoreError("marshal snapshot", err).WithPlanID(planID)
	}

	target := s.snapshotPath(planID)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewStoreError("write temp snapshot", err).WithPlanID(planID)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return errors.NewStoreError("rename temp snapshot", err).WithPlanID(planID)
	}

	return nil
}

// Exists reports whether a snapshot has been initialized for the plan.
func (s *Store) Exists(planID string) bool {
	_, err := os.Stat(s.snapshotPath(planID))
	return err == nil
}
