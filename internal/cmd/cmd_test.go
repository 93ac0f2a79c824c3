package cmd

import (
	"testing"
	"time"

	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/Iron-Ham/orchard/internal/orchestrator"
)

func TestCommandRegistration(t *testing.T) {
	want := []string{
		"run", "status", "pause", "resume", "cancel",
		"batch", "retry", "skip", "validate", "events", "replay", "init",
	}

	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}

	for _, name := range want {
		if !registered[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestOrchestratorConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.BatchSize = 7
	cfg.Orchestrator.OnStuck = "skip"
	cfg.Orchestrator.OnUncommittedChanges = "abort"
	cfg.Orchestrator.TickIntervalMs = 250
	cfg.Commit.OnSuccess = false

	oc := orchestratorConfig(cfg)
	if oc.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want 7", oc.BatchSize)
	}
	if oc.OnStuck != orchestrator.StuckSkip {
		t.Errorf("OnStuck = %v", oc.OnStuck)
	}
	if oc.OnUncommittedChanges != orchestrator.PolicyAbort {
		t.Errorf("OnUncommittedChanges = %v", oc.OnUncommittedChanges)
	}
	if oc.TickInterval != 250*time.Millisecond {
		t.Errorf("TickInterval = %v", oc.TickInterval)
	}
	if oc.CommitOnSuccess {
		t.Error("CommitOnSuccess should be false")
	}
}

func TestOrchestratorConfigBatchFlagOverride(t *testing.T) {
	old := runBatchSize
	defer func() { runBatchSize = old }()

	runBatchSize = 12
	oc := orchestratorConfig(config.Default())
	if oc.BatchSize != 12 {
		t.Errorf("BatchSize = %d, want flag override 12", oc.BatchSize)
	}
}
