// Package vcs wraps the version control CLI the engine commits through.
// The engine never parses repository internals; everything goes through
// git subcommands so the repository stays the source of truth.
package vcs

import (
	"context"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/orchard/internal/errors"
)

// CommandExecutor abstracts command execution for testability. Tests
// substitute a recording executor so no git process runs.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Git performs version control operations against one repository via the
// git CLI.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// NewGit creates a Git bound to repoDir.
func NewGit(repoDir string) *Git {
	return &Git{repoDir: repoDir, executor: CLICommandExecutor{}}
}

// NewGitWithExecutor creates a Git with a custom executor. This is
// primarily useful for testing.
func NewGitWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", args...)
	return string(output), err
}

// Commit stages the given files and commits them, returning the new
// commit SHA. With no files it stages everything. Returns the existing
// head SHA without error when there is nothing to commit.
func (g *Git) Commit(ctx context.Context, message string, files []string) (string, error) {
	addArgs := []string{"add"}
	if len(files) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, files...)
	}
	if out, err := g.run(ctx, addArgs...); err != nil {
		return "", errors.NewVCSError("stage files", err).
			WithRepository(g.repoDir).
			WithOutput(out)
	}

	if out, err := g.run(ctx, "commit", "-m", message); err != nil {
		if strings.Contains(out, "nothing to commit") {
			id, _, headErr := g.Head(ctx)
			return id, headErr
		}
		return "", errors.NewVCSError("commit", err).
			WithRepository(g.repoDir).
			WithOutput(out)
	}

	id, _, err := g.Head(ctx)
	return id, err
}

// Head returns the SHA and subject line of the current head commit.
// An empty repository yields empty strings without error.
func (g *Git) Head(ctx context.Context) (string, string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(out, "unknown revision") || strings.Contains(out, "ambiguous argument") {
			return "", "", nil
		}
		return "", "", errors.NewVCSError("resolve head", err).
			WithRepository(g.repoDir).
			WithOutput(out)
	}
	id := strings.TrimSpace(out)

	msg, err := g.run(ctx, "log", "-1", "--pretty=format:%s")
	if err != nil {
		return "", "", errors.NewVCSError("read head message", err).
			WithRepository(g.repoDir).
			WithOutput(msg)
	}
	return id, strings.TrimSpace(msg), nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, errors.NewVCSError("check status", err).
			WithRepository(g.repoDir).
			WithOutput(out)
	}
	return strings.TrimSpace(out) != "", nil
}

// Stash saves uncommitted changes with the given label.
func (g *Git) Stash(ctx context.Context, label string) error {
	out, err := g.run(ctx, "stash", "push", "-u", "-m", label)
	if err != nil {
		return errors.NewVCSError("stash changes", err).
			WithRepository(g.repoDir).
			WithOutput(out)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewVCSError("resolve branch", err).
			WithRepository(g.repoDir).
			WithOutput(out)
	}
	return strings.TrimSpace(out), nil
}
