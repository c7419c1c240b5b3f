package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

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

// ValidLogLevels returns the accepted log.level values
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns every failure found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Pool.MaxInstances < 1 {
		add("pool.max_instances", c.Pool.MaxInstances, "must be at least 1")
	}

	if c.Ports.Base < 1 || c.Ports.Base > 65535 {
		add("ports.base", c.Ports.Base, "must be between 1 and 65535")
	}
	if c.Ports.Range < 0 {
		add("ports.range", c.Ports.Range, "must not be negative")
	} else if c.Ports.Base+c.Ports.Range > 65535 {
		add("ports.range", c.Ports.Range, "range extends past port 65535")
	}
	if c.Ports.MaxAttempts < 1 {
		add("ports.max_attempts", c.Ports.MaxAttempts, "must be at least 1")
	}

	if len(c.Worker.Command) == 0 || c.Worker.Command[0] == "" {
		add("worker.command", c.Worker.Command, "must name an executable")
	}
	if !strings.HasPrefix(c.Worker.SSEPath, "/") {
		add("worker.sse_path", c.Worker.SSEPath, "must start with /")
	}

	if !strings.HasPrefix(c.Readiness.Path, "/") {
		add("readiness.path", c.Readiness.Path, "must start with /")
	}
	if c.Readiness.InitialDelay < 0 {
		add("readiness.initial_delay", c.Readiness.InitialDelay, "must not be negative")
	}
	if c.Readiness.Interval <= 0 {
		add("readiness.interval", c.Readiness.Interval, "must be positive")
	}
	if c.Readiness.MaxInterval < c.Readiness.Interval {
		add("readiness.max_interval", c.Readiness.MaxInterval, "must be at least readiness.interval")
	}
	if c.Readiness.Timeout <= 0 {
		add("readiness.timeout", c.Readiness.Timeout, "must be positive")
	}

	if c.Reaper.IdleTimeout <= 0 {
		add("reaper.idle_timeout", c.Reaper.IdleTimeout, "must be positive")
	}
	if c.Reaper.Schedule == "" {
		add("reaper.schedule", c.Reaper.Schedule, "must not be empty")
	}

	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		add("log.level", c.Log.Level, fmt.Sprintf("must be one of %v", ValidLogLevels()))
	}
	if c.Log.Debug && c.Log.File == "" {
		add("log.file", c.Log.File, "required when log.debug is set")
	}

	if !strings.HasPrefix(c.HTTP.MCPPath, "/") {
		add("http.mcp_path", c.HTTP.MCPPath, "must start with /")
	}
	if c.Tracing.Enabled && c.Tracing.File == "" {
		add("tracing.file", c.Tracing.File, "required when tracing is enabled")
	}
	if c.State.Dir == "" {
		add("state.dir", c.State.Dir, "must not be empty")
	}

	return errs
}
