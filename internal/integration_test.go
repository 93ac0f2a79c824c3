// Package internal contains integration tests that exercise the storage,
// event, commit and orchestration packages together against a real git
// repository. They are skipped when git is unavailable.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/orchard/internal/agent"
	"github.com/Iron-Ham/orchard/internal/commitqueue"
	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/logging"
	"github.com/Iron-Ham/orchard/internal/orchestrator"
	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/Iron-Ham/orchard/internal/status"
	"github.com/Iron-Ham/orchard/internal/testutil"
	"github.com/Iron-Ham/orchard/internal/vcs"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCommitQueueAgainstRealGit(t *testing.T) {
	testutil.RequireGit(t)

	repo := testutil.SetupTestRepo(t)
	bus, err := event.NewBus("", logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	queue, err := commitqueue.New(t.TempDir(), vcs.NewGit(repo), bus, logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	queue.Start()
	defer queue.Close()

	testutil.WriteFile(t, repo, "feature.txt", "new feature\n")

	resultCh, err := queue.Enqueue("task 1.1: add feature", []string{"feature.txt"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("commit failed: %v", res.Err)
		}
		if res.CommitID == "" {
			t.Error("empty commit ID")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("commit did not complete")
	}

	if got := testutil.GetCommitCount(t, repo); got != 2 {
		t.Errorf("commit count = %d, want 2", got)
	}
	if got := testutil.HeadMessage(t, repo); got != "task 1.1: add feature" {
		t.Errorf("head message = %q", got)
	}
	if testutil.HasUncommittedChanges(t, repo) {
		t.Error("working tree still dirty after commit")
	}
}

// repoWriterRunner completes each task by writing its declared file into
// the repository.
type repoWriterRunner struct {
	t    *testing.T
	repo string
	spec *plan.Spec
}

func (r *repoWriterRunner) Run(ctx context.Context, taskID, description string) (*agent.Result, error) {
	task := r.spec.GetTask(taskID)
	for _, f := range task.Files {
		testutil.WriteFile(r.t, r.repo, f, "content for "+taskID+"\n")
	}
	return &agent.Result{Success: true}, nil
}

func TestRunCommitsEachCompletedTask(t *testing.T) {
	testutil.RequireGit(t)

	repo := testutil.SetupTestRepo(t)
	spec := &plan.Spec{
		ID: "integration-plan",
		Tasks: []plan.Task{
			{ID: "1.1", Description: "write model", Files: []string{"model.txt"}},
			{ID: "2.1", Description: "write handler", DependsOn: []string{"1.1"}, Files: []string{"handler.txt"}},
		},
	}

	store := status.NewStore(t.TempDir())
	if _, err := store.Init(spec.ID, spec.Tasks, spec.PhaseOrder()); err != nil {
		t.Fatal(err)
	}

	bus, err := event.NewBus("", logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	git := vcs.NewGit(repo)
	queue, err := commitqueue.New(t.TempDir(), git, bus, logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	queue.Start()
	defer queue.Close()

	cfg := orchestrator.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond

	runner := &repoWriterRunner{t: t, repo: repo, spec: spec}
	orch := orchestrator.New(store, bus, runner, spec, cfg, logging.NopLogger()).
		WithWorkingTree(git).
		WithCommitQueue(queue)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	orch.Wait()

	snap, err := store.Load(spec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.IsComplete() {
		t.Fatalf("plan not complete: %+v", snap.Counts())
	}

	// Commits land asynchronously after task completion.
	waitUntil(t, 10*time.Second, func() bool {
		return testutil.GetCommitCount(t, repo) == 3
	})
	if got := testutil.HeadMessage(t, repo); got != "task 2.1: write handler" {
		t.Errorf("head message = %q", got)
	}
}

func TestStartAutoStashesDirtyTree(t *testing.T) {
	testutil.RequireGit(t)

	repo := testutil.SetupTestRepoWithContent(t, map[string]string{
		"notes.txt": "committed\n",
	})
	testutil.WriteFile(t, repo, "notes.txt", "uncommitted edit\n")

	spec := &plan.Spec{
		ID: "stash-plan",
		Tasks: []plan.Task{
			{ID: "1.1", Description: "noop", Files: []string{"out.txt"}},
		},
	}

	store := status.NewStore(t.TempDir())
	if _, err := store.Init(spec.ID, spec.Tasks, spec.PhaseOrder()); err != nil {
		t.Fatal(err)
	}
	bus, err := event.NewBus("", logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	git := vcs.NewGit(repo)
	cfg := orchestrator.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.CommitOnSuccess = false

	runner := &repoWriterRunner{t: t, repo: repo, spec: spec}
	orch := orchestrator.New(store, bus, runner, spec, cfg, logging.NopLogger()).
		WithWorkingTree(git)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	orch.Wait()

	// The pre-run edit went into the stash; the committed content is back.
	data, err := os.ReadFile(filepath.Join(repo, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "committed\n" {
		t.Errorf("notes.txt = %q, want stashed edit reverted", data)
	}

	snap, err := store.Load(spec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.IsComplete() {
		t.Fatalf("plan not complete: %+v", snap.Counts())
	}
}
