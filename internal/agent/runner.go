// Package agent executes individual tasks. The engine treats the agent
// as an opaque collaborator: it hands over a task ID and description and
// receives a success or failure, never inspecting how the work happened.
package agent

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/logging"
)

// Result is the outcome of one task execution attempt.
type Result struct {
	// Success reports whether the agent completed the task.
	Success bool

	// Artifacts lists paths the agent reports as created or modified.
	Artifacts []string

	// Error carries the agent's failure description when Success is false.
	Error string
}

// Runner executes one task at a time. Implementations must be safe for
// concurrent use: the orchestration loop runs a batch of tasks in
// parallel, each on its own goroutine.
type Runner interface {
	Run(ctx context.Context, taskID, description string) (*Result, error)
}

// ExecRunner runs each task as a subprocess of a configured command. The
// task ID and description are passed as arguments after any configured
// ones; the workspace directory becomes the working directory. A zero
// exit status means success; anything else is a failed attempt.
type ExecRunner struct {
	// Command is the program to invoke per task.
	Command string

	// Args are prepended before the task ID and description.
	Args []string

	// Dir is the working directory for the subprocess.
	Dir string

	// Env entries are appended to the parent environment.
	Env []string

	logger *logging.Logger
}

// NewExecRunner creates an ExecRunner for the given command.
func NewExecRunner(command string, args []string, dir string, logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ExecRunner{
		Command: command,
		Args:    args,
		Dir:     dir,
		logger:  logger.WithComponent("agent"),
	}
}

// Run invokes the configured command for one task. Context cancellation
// kills the subprocess; the attempt is reported as an execution error so
// the caller can decide between retry and abandonment.
func (r *ExecRunner) Run(ctx context.Context, taskID, description string) (*Result, error) {
	if r.Command == "" {
		return nil, errors.NewExecutionError(taskID, 0, errors.New("no agent command configured"))
	}

	args := append(append([]string(nil), r.Args...), taskID, description)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := r.logger.WithTask(taskID)
	log.Info("agent dispatch", "command", r.Command)

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, errors.NewExecutionError(taskID, 0, ctx.Err())
	}
	if err != nil {
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		log.Warn("agent attempt failed", "error", reason)
		return &Result{Success: false, Error: reason}, nil
	}

	log.Info("agent attempt succeeded")
	return &Result{
		Success:   true,
		Artifacts: parseArtifacts(stdout.String()),
	}, nil
}

// parseArtifacts extracts artifact paths from agent stdout. The agent
// reports one path per line prefixed with "artifact:"; everything else
// on stdout is free-form progress text and ignored.
func parseArtifacts(out string) []string {
	var artifacts []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "artifact:"); ok {
			if path := strings.TrimSpace(rest); path != "" {
				artifacts = append(artifacts, path)
			}
		}
	}
	return artifacts
}
