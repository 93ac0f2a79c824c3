package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "orchestrator.batch_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validateWatcher()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateOrchestrator validates the OrchestratorConfig
func (c *Config) validateOrchestrator() []ValidationError {
	var errors []ValidationError

	const minBatchSize = 1
	const maxBatchSize = 64

	if c.Orchestrator.BatchSize < minBatchSize {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.batch_size",
			Value:   c.Orchestrator.BatchSize,
			Message: fmt.Sprintf("must be at least %d", minBatchSize),
		})
	}
	if c.Orchestrator.BatchSize > maxBatchSize {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.batch_size",
			Value:   c.Orchestrator.BatchSize,
			Message: fmt.Sprintf("exceeds maximum of %d", maxBatchSize),
		})
	}

	if c.Orchestrator.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_retries",
			Value:   c.Orchestrator.MaxRetries,
			Message: "must be non-negative",
		})
	}

	// Tick interval bounds
	const minTickInterval = 10    // 10ms minimum
	const maxTickInterval = 60000 // one minute maximum

	if c.Orchestrator.TickIntervalMs < minTickInterval {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.tick_interval_ms",
			Value:   c.Orchestrator.TickIntervalMs,
			Message: fmt.Sprintf("must be at least %dms", minTickInterval),
		})
	}
	if c.Orchestrator.TickIntervalMs > maxTickInterval {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.tick_interval_ms",
			Value:   c.Orchestrator.TickIntervalMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxTickInterval),
		})
	}

	if c.Orchestrator.ExpectedTaskDurationMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.expected_task_duration_minutes",
			Value:   c.Orchestrator.ExpectedTaskDurationMinutes,
			Message: "must be positive",
		})
	}
	if c.Orchestrator.GracePeriodMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.grace_period_minutes",
			Value:   c.Orchestrator.GracePeriodMinutes,
			Message: "must be non-negative",
		})
	}

	if c.Orchestrator.OnStuck != "" && !slices.Contains(ValidStuckActions(), c.Orchestrator.OnStuck) {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.on_stuck",
			Value:   c.Orchestrator.OnStuck,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStuckActions(), ", ")),
		})
	}

	if c.Orchestrator.OnUncommittedChanges != "" && !slices.Contains(ValidUncommittedPolicies(), c.Orchestrator.OnUncommittedChanges) {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.on_uncommitted_changes",
			Value:   c.Orchestrator.OnUncommittedChanges,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidUncommittedPolicies(), ", ")),
		})
	}

	return errors
}

// validateWatcher validates the WatcherConfig
func (c *Config) validateWatcher() []ValidationError {
	var errors []ValidationError

	for i, pattern := range c.Watcher.IgnorePatterns {
		fieldName := fmt.Sprintf("watcher.ignore_patterns[%d]", i)

		if strings.TrimSpace(pattern) == "" {
			errors = append(errors, ValidationError{
				Field:   fieldName,
				Value:   pattern,
				Message: "pattern cannot be empty",
			})
			continue
		}
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fieldName,
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if c.Paths.StateDir != "" {
		path := c.Paths.StateDir

		// Check for null bytes which are invalid in paths
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "paths.state_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		// Reasonable path length limit (most filesystems have limits around 4096)
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "paths.state_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	// Unix socket paths have a hard limit well below the general path limit
	const maxSocketPathLength = 104
	if c.Paths.Socket != "" && len(c.Paths.Socket) > maxSocketPathLength {
		errors = append(errors, ValidationError{
			Field:   "paths.socket",
			Value:   c.Paths.Socket,
			Message: fmt.Sprintf("socket path exceeds maximum length of %d characters", maxSocketPathLength),
		})
	}

	return errors
}
