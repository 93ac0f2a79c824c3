package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Orchard configuration
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Commit       CommitConfig       `mapstructure:"commit"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Watcher      WatcherConfig      `mapstructure:"watcher"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Paths        PathsConfig        `mapstructure:"paths"`
}

// OrchestratorConfig controls how runs dispatch and police tasks
type OrchestratorConfig struct {
	// BatchSize is the maximum number of tasks in flight at once (default: 3)
	BatchSize int `mapstructure:"batch_size"`
	// MaxRetries is the number of attempts before a task is marked failed (default: 3)
	MaxRetries int `mapstructure:"max_retries"`
	// TickIntervalMs is how often the run loop re-evaluates the schedule (default: 1000)
	TickIntervalMs int `mapstructure:"tick_interval_ms"`
	// ExpectedTaskDurationMinutes is the fallback expected duration for tasks
	// that do not declare one; exceeding it flags the task as stuck (default: 10)
	ExpectedTaskDurationMinutes int `mapstructure:"expected_task_duration_minutes"`
	// GracePeriodMinutes is how long a stuck task keeps running after being
	// flagged before OnStuck is applied (default: 2)
	GracePeriodMinutes int `mapstructure:"grace_period_minutes"`
	// OnStuck is the action for tasks that exceed the grace period
	// Options: "extend", "skip", "retry"
	OnStuck string `mapstructure:"on_stuck"`
	// OnUncommittedChanges controls what happens when a run starts over a
	// dirty working tree. Options: "autoStash", "abort"
	OnUncommittedChanges string `mapstructure:"on_uncommitted_changes"`
}

// CommitConfig controls the serial commit queue
type CommitConfig struct {
	// OnSuccess enqueues a commit for each completed task (default: true)
	OnSuccess bool `mapstructure:"on_success"`
}

// AgentConfig controls how task work is executed
type AgentConfig struct {
	// Command is the executable invoked per task. The task ID and
	// description are appended as the final two arguments.
	Command string `mapstructure:"command"`
	// Args are extra arguments passed before the task ID and description
	Args []string `mapstructure:"args"`
}

// WatcherConfig controls filesystem conflict detection
type WatcherConfig struct {
	// Enabled turns the advisory file watcher on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// IgnorePatterns are glob patterns excluded from conflict detection,
	// in addition to the built-in ignores (.git, node_modules, .orchard)
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where Orchard stores run state
type PathsConfig struct {
	// StateDir is the directory for snapshots, event logs and the commit
	// queue. If empty, defaults to ".orchard" relative to the workspace.
	// Supports ~ for home directory expansion.
	StateDir string `mapstructure:"state_dir"`
	// Socket is the control socket path. If empty, defaults to
	// "control.sock" inside the state directory.
	Socket string `mapstructure:"socket"`
}

// ResolveStateDir returns the resolved state directory path.
// If StateDir is empty, it returns the default path relative to baseDir.
// If StateDir starts with ~, it expands to the user's home directory.
// If StateDir is a relative path, it's resolved relative to baseDir.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	if p.StateDir == "" {
		return filepath.Join(baseDir, ".orchard")
	}

	path := p.StateDir

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// ResolveSocket returns the control socket path, defaulting to a socket
// inside the resolved state directory.
func (p *PathsConfig) ResolveSocket(baseDir string) string {
	if p.Socket == "" {
		return filepath.Join(p.ResolveStateDir(baseDir), "control.sock")
	}
	if !filepath.IsAbs(p.Socket) {
		return filepath.Join(baseDir, p.Socket)
	}
	return p.Socket
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			BatchSize:                   3,
			MaxRetries:                  3,
			TickIntervalMs:              1000,
			ExpectedTaskDurationMinutes: 10,
			GracePeriodMinutes:          2,
			OnStuck:                     "extend",
			OnUncommittedChanges:        "autoStash",
		},
		Commit: CommitConfig{
			OnSuccess: true,
		},
		Agent: AgentConfig{
			Command: "",
			Args:    []string{},
		},
		Watcher: WatcherConfig{
			Enabled:        true,
			IgnorePatterns: []string{},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			StateDir: "", // Empty means use default: .orchard
			Socket:   "",
		},
	}
}

// TickInterval returns the run loop interval as a time.Duration
func (c *OrchestratorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// ExpectedTaskDuration returns the fallback expected duration as a time.Duration
func (c *OrchestratorConfig) ExpectedTaskDuration() time.Duration {
	return time.Duration(c.ExpectedTaskDurationMinutes) * time.Minute
}

// GracePeriod returns the stuck grace period as a time.Duration
func (c *OrchestratorConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMinutes) * time.Minute
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Orchestrator defaults
	viper.SetDefault("orchestrator.batch_size", defaults.Orchestrator.BatchSize)
	viper.SetDefault("orchestrator.max_retries", defaults.Orchestrator.MaxRetries)
	viper.SetDefault("orchestrator.tick_interval_ms", defaults.Orchestrator.TickIntervalMs)
	viper.SetDefault("orchestrator.expected_task_duration_minutes", defaults.Orchestrator.ExpectedTaskDurationMinutes)
	viper.SetDefault("orchestrator.grace_period_minutes", defaults.Orchestrator.GracePeriodMinutes)
	viper.SetDefault("orchestrator.on_stuck", defaults.Orchestrator.OnStuck)
	viper.SetDefault("orchestrator.on_uncommitted_changes", defaults.Orchestrator.OnUncommittedChanges)

	// Commit defaults
	viper.SetDefault("commit.on_success", defaults.Commit.OnSuccess)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)

	// Watcher defaults
	viper.SetDefault("watcher.enabled", defaults.Watcher.Enabled)
	viper.SetDefault("watcher.ignore_patterns", defaults.Watcher.IgnorePatterns)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.socket", defaults.Paths.Socket)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "orchard")
	}
	// Fall back to ~/.config/orchard
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchard"
	}
	return filepath.Join(home, ".config", "orchard")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidStuckActions returns the list of valid on_stuck values
func ValidStuckActions() []string {
	return []string{"extend", "skip", "retry"}
}

// ValidUncommittedPolicies returns the list of valid on_uncommitted_changes values
func ValidUncommittedPolicies() []string {
	return []string{"autoStash", "abort"}
}
