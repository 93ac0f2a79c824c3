// Package commitqueue serializes version-control commits. Concurrent
// tasks finish in arbitrary order; every commit request funnels through a
// single worker so commits land one at a time, in enqueue order, without
// interleaving staged files.
package commitqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/logging"
)

// Committer is the version-control collaborator the queue commits
// through. Implementations must stage exactly the given files.
type Committer interface {
	// Commit stages files and creates a commit, returning its identifier.
	Commit(ctx context.Context, message string, files []string) (string, error)

	// Head returns the identifier and message of the current head commit.
	// Used on startup to decide whether an interrupted entry landed.
	Head(ctx context.Context) (id, message string, err error)
}

// EntryStatus is the lifecycle state of a queued commit.
type EntryStatus string

const (
	// EntryPending means the entry is persisted and waiting its turn.
	EntryPending EntryStatus = "pending"

	// EntryCommitting means the worker has handed the entry to the
	// Committer. An entry found in this state on startup may or may not
	// have landed; Resume reconciles it against the repository head.
	EntryCommitting EntryStatus = "committing"

	// EntryFailed means the Committer rejected the entry. Failed entries
	// stay persisted for inspection and do not block later entries.
	EntryFailed EntryStatus = "failed"
)

// Entry is one queued commit. Entries are persisted before the worker
// touches them and removed only after the Committer confirms success.
type Entry struct {
	ID         string      `json:"id"`
	Seq        uint64      `json:"seq"`
	Message    string      `json:"message"`
	Files      []string    `json:"files,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Status     EntryStatus `json:"status"`
	LastError  string      `json:"last_error,omitempty"`
}

// Result is delivered on the channel returned by Enqueue.
type Result struct {
	EntryID  string
	CommitID string
	Err      error
}

// Queue is the serial commit queue. Create with New, start the worker
// with Start, and shut down with Close; Close waits for the in-flight
// commit but abandons pending entries (they survive in the persisted
// state and are resumed by the next process).
type Queue struct {
	mu      sync.Mutex
	state   *persistedState
	store   *stateFile
	promise map[string]chan Result
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	closed  bool

	vcs    Committer
	bus    *event.Bus
	logger *logging.Logger
}

// New creates a queue persisting its state under dir. Any entries left by
// a previous process are loaded; call Resume before Start to reconcile an
// entry that was mid-commit when the process died.
func New(dir string, vcs Committer, bus *event.Bus, logger *logging.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	store := newStateFile(dir)
	state, err := store.load()
	if err != nil {
		return nil, err
	}
	return &Queue{
		state:   state,
		store:   store,
		promise: make(map[string]chan Result),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		vcs:     vcs,
		bus:     bus,
		logger:  logger.WithComponent("commitqueue"),
	}, nil
}

// Resume reconciles entries interrupted mid-commit by a previous process.
// An interrupted entry whose message matches the repository head is
// confirmed and reported as commit.applied; otherwise it returns to
// pending and will be retried. Outcomes go to the event bus only: the
// original promise channels died with the old process.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var interrupted *Entry
	for i := range q.state.Entries {
		if q.state.Entries[i].Status == EntryCommitting {
			interrupted = &q.state.Entries[i]
			break
		}
	}
	if interrupted == nil {
		return nil
	}

	headID, headMsg, err := q.vcs.Head(ctx)
	if err != nil {
		return errors.NewCommitError("resolve head for resume", err).WithEntryID(interrupted.ID)
	}

	if headMsg == interrupted.Message {
		q.logger.Info("interrupted commit confirmed at head",
			"entry_id", interrupted.ID, "commit_id", headID)
		q.emit(event.NewCommitApplied(interrupted.ID, headID))
		q.removeLocked(interrupted.ID)
	} else {
		q.logger.Warn("interrupted commit not found at head, requeued",
			"entry_id", interrupted.ID)
		interrupted.Status = EntryPending
	}
	return q.store.save(q.state)
}

// Start launches the single worker goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Enqueue persists a commit request and returns a channel that receives
// exactly one Result when the commit lands or fails. The channel is
// buffered; callers may discard it without blocking the worker.
func (q *Queue) Enqueue(message string, files []string) (<-chan Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.ErrQueueClosed
	}

	q.state.NextSeq++
	entry := Entry{
		ID:         uuid.NewString(),
		Seq:        q.state.NextSeq,
		Message:    message,
		Files:      append([]string(nil), files...),
		EnqueuedAt: time.Now().UTC(),
		Status:     EntryPending,
	}
	q.state.Entries = append(q.state.Entries, entry)
	if err := q.store.save(q.state); err != nil {
		q.state.Entries = q.state.Entries[:len(q.state.Entries)-1]
		return nil, err
	}

	ch := make(chan Result, 1)
	q.promise[entry.ID] = ch
	q.signal()
	return ch, nil
}

// Len reports the number of entries not yet confirmed, including failed
// entries awaiting inspection.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.state.Entries)
}

// Entries returns a copy of the persisted entries in seq order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.state.Entries))
	copy(out, q.state.Entries)
	return out
}

// CommitNow commits immediately on the calling goroutine, bypassing the
// queue. It takes no queue lock and offers no ordering guarantee against
// the worker; callers must ensure the worker is idle or stopped.
func (q *Queue) CommitNow(ctx context.Context, message string, files []string) (string, error) {
	id, err := q.vcs.Commit(ctx, message, files)
	if err != nil {
		return "", errors.NewCommitError("manual commit", err)
	}
	return id, nil
}

// Close stops the worker after any in-flight commit finishes. Pending
// entries remain persisted for the next process; their promise channels
// are closed without a result.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	<-q.stopped

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, ch := range q.promise {
		delete(q.promise, id)
		close(ch)
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		entry, ok := q.nextPending()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		select {
		case <-q.done:
			return
		default:
		}
		q.process(entry)
	}
}

// nextPending claims the lowest-seq pending entry, marking it committing
// and persisting the claim before the Committer runs.
func (q *Queue) nextPending() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.state.Entries {
		e := &q.state.Entries[i]
		if e.Status != EntryPending {
			continue
		}
		e.Status = EntryCommitting
		if err := q.store.save(q.state); err != nil {
			e.Status = EntryPending
			q.logger.Error("persist claim failed", "entry_id", e.ID, "error", err)
			return Entry{}, false
		}
		return *e, true
	}
	return Entry{}, false
}

func (q *Queue) process(entry Entry) {
	commitID, err := q.vcs.Commit(context.Background(), entry.Message, entry.Files)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		cerr := errors.NewCommitError("commit rejected", err).WithEntryID(entry.ID)
		q.logger.Error("commit failed", "entry_id", entry.ID, "error", err)
		q.setStatusLocked(entry.ID, EntryFailed, err.Error())
		q.emit(event.NewCommitFailed(entry.ID, err.Error()))
		q.resolveLocked(entry.ID, Result{EntryID: entry.ID, Err: cerr})
		return
	}

	q.logger.Info("commit applied", "entry_id", entry.ID, "commit_id", commitID)
	q.removeLocked(entry.ID)
	q.emit(event.NewCommitApplied(entry.ID, commitID))
	q.resolveLocked(entry.ID, Result{EntryID: entry.ID, CommitID: commitID})
}

// Callers hold q.mu for the three helpers below.

func (q *Queue) setStatusLocked(entryID string, s EntryStatus, lastErr string) {
	for i := range q.state.Entries {
		if q.state.Entries[i].ID == entryID {
			q.state.Entries[i].Status = s
			q.state.Entries[i].LastError = lastErr
			break
		}
	}
	if err := q.store.save(q.state); err != nil {
		q.logger.Error("persist status failed", "entry_id", entryID, "error", err)
	}
}

func (q *Queue) removeLocked(entryID string) {
	for i := range q.state.Entries {
		if q.state.Entries[i].ID == entryID {
			q.state.Entries = append(q.state.Entries[:i], q.state.Entries[i+1:]...)
			break
		}
	}
	if err := q.store.save(q.state); err != nil {
		q.logger.Error("persist removal failed", "entry_id", entryID, "error", err)
	}
}

func (q *Queue) resolveLocked(entryID string, res Result) {
	ch, ok := q.promise[entryID]
	if !ok {
		return
	}
	delete(q.promise, entryID)
	ch <- res
	close(ch)
}

func (q *Queue) emit(e event.Event) {
	if q.bus != nil {
		q.bus.Emit(e)
	}
}
