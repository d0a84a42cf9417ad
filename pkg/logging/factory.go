// Package logging provides component-aware loggers with consistent field
// naming across the pipeline.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// NewBaseLogger builds the process-wide root logger. The level is taken from
// ENGRAM_LOG_LEVEL (debug, info, warn, error), defaulting to info.
func NewBaseLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           levelFromEnv(),
	})
	return logger
}

func levelFromEnv() log.Level {
	switch strings.ToLower(os.Getenv("ENGRAM_LOG_LEVEL")) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Factory hands out loggers scoped to a named component.
type Factory struct {
	base *log.Logger
}

// NewFactory creates a logger factory around a base logger.
func NewFactory(base *log.Logger) *Factory {
	return &Factory{base: base}
}

// ForComponent creates a logger tagged with the component name.
func (f *Factory) ForComponent(id string) *log.Logger {
	return f.base.With("component", id)
}

// ForWorker creates a logger for a queue worker.
func (f *Factory) ForWorker(id string) *log.Logger {
	return f.base.With("component", id, "role", "worker")
}

// WithJobID adds job correlation to a logger.
func WithJobID(logger *log.Logger, jobID string) *log.Logger {
	return logger.With("job_id", jobID)
}

// WithScope adds the canonical scope string to a logger.
func WithScope(logger *log.Logger, scope string) *log.Logger {
	return logger.With("scope", scope)
}
