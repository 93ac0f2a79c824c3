// Package conflict watches the workspace for writes that contradict the
// scheduler's file-claim guarantees. The scheduler never dispatches two
// tasks claiming the same file, but agents are free processes: the
// watcher is the advisory safety net that notices when a claimed file is
// touched while more than one claimant is running. It only reports;
// nothing here blocks the orchestration loop.
package conflict

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/logging"
)

// Conflict records a claimed file written while multiple claimants ran.
type Conflict struct {
	// Path is relative to the workspace root.
	Path string

	// TaskIDs are the running tasks claiming the file, sorted.
	TaskIDs []string

	// DetectedAt is when the write was observed.
	DetectedAt time.Time
}

// DefaultIgnorePatterns skips version control and tooling noise.
var DefaultIgnorePatterns = []string{".git/**", ".git", "node_modules/**", "**/.DS_Store", ".orchard/**"}

// Watcher observes one workspace directory tree. Track running tasks
// with Track/Untrack; conflicts surface as constraint.applied events and
// through Conflicts().
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	bus     *event.Bus
	logger  *logging.Logger
	ignore  []glob.Glob

	mu        sync.RWMutex
	claims    map[string][]string // relative path -> running task IDs
	conflicts map[string]Conflict

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a watcher over the workspace root. Patterns use glob
// syntax and are matched against workspace-relative paths; nil patterns
// means DefaultIgnorePatterns.
func New(root string, bus *event.Bus, logger *logging.Logger, patterns []string) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if patterns == nil {
		patterns = DefaultIgnorePatterns
	}
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, g)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:      root,
		watcher:   fsw,
		bus:       bus,
		logger:    logger.WithComponent("conflict"),
		ignore:    compiled,
		claims:    make(map[string][]string),
		conflicts: make(map[string]Conflict),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	if err := w.watchRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchRecursive adds the root and every non-ignored subdirectory.
// fsnotify watches directories, not trees.
func (w *Watcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !info.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(root, path); relErr == nil && rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range w.ignore {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Track registers a dispatched task's file claims.
func (w *Watcher) Track(taskID string, files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		rel := filepath.ToSlash(f)
		w.claims[rel] = append(w.claims[rel], taskID)
	}
}

// Untrack releases a finished task's claims and drops conflicts that no
// longer have multiple claimants.
func (w *Watcher) Untrack(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for rel, tasks := range w.claims {
		kept := tasks[:0]
		for _, id := range tasks {
			if id != taskID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(w.claims, rel)
		} else {
			w.claims[rel] = kept
		}
		if len(kept) < 2 {
			delete(w.conflicts, rel)
		}
	}
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.stopped
}

// loop debounces bursts of events: editors and agents produce several
// notifications per save.
func (w *Watcher) loop() {
	defer close(w.stopped)

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if rel, relErr := filepath.Rel(w.root, ev.Name); relErr == nil && !w.ignored(rel) {
						_ = w.watcher.Add(ev.Name)
					}
					continue
				}
			}
			pending[ev.Name] = struct{}{}
			debounce.Reset(50 * time.Millisecond)

		case <-debounce.C:
			for path := range pending {
				w.handleWrite(path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleWrite(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.ignored(rel) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	claimants := w.claims[rel]
	if len(claimants) < 2 {
		return
	}

	ids := append([]string(nil), claimants...)
	sort.Strings(ids)
	c := Conflict{Path: rel, TaskIDs: ids, DetectedAt: time.Now().UTC()}
	_, known := w.conflicts[rel]
	w.conflicts[rel] = c
	if known {
		return
	}

	w.logger.Warn("claimed file written by concurrent claimants",
		"path", rel, "tasks", strings.Join(ids, ","))
	if w.bus != nil {
		w.bus.Emit(event.NewConstraintApplied("fileConflict", ids[0],
			"file "+rel+" claimed by "+strings.Join(ids, ", ")))
	}
}

// Conflicts returns the active conflicts, sorted by path.
func (w *Watcher) Conflicts() []Conflict {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Conflict, 0, len(w.conflicts))
	for _, c := range w.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HasConflicts reports whether any conflict is active.
func (w *Watcher) HasConflicts() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.conflicts) > 0
}
