// Package logging configures the global zerolog logger for sync runs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// RunID, when set, is attached to every log line as run_id.
	RunID string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. Unknown levels fall back to
// info; use ParseLevel to reject them up front.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(output).With().Timestamp().Str("service", "greyfinch-sync")
	if cfg.RunID != "" {
		ctx = ctx.Str("run_id", cfg.RunID)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to a zerolog.Level.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Redact shortens a credential to a recognizable prefix for log output.
func Redact(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 8)
}

// Log Level Guidelines:
//
// Debug: request flow and internal state
//   - Rate window updates, token reuse
//   - Per-request durations
//
// Info: normal progress
//   - Batch saved (offset, new, total, marker range)
//   - Entity start, completion, skip
//   - Run summary
//
// Warn: degraded but continuing
//   - Retry attempts and rate-limit waits
//   - Rejected records, corrupt checkpoints
//   - Halted entities (resumable)
//
// Error: the run or an entity cannot continue
//   - Authentication failures
//   - Query errors
//   - Output or checkpoint I/O failures
//
// Context Fields:
//   - run_id: identifies one invocation
//   - component: auth, client, ratelimit, exporter, coordinator, sink
//   - entity: collection being exported
//   - offset: page offset
//   - attempt: retry attempt number
//   - error_class: client, unauthorized, server, rate_limit, network
//
// Credentials and access tokens are never logged; see Redact.
