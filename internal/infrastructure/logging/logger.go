package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/apsidal/beamline-core/internal/infrastructure/config"
)

// Logger wraps slog.Logger for the controls daemon.
//
// Every component logs through one of these, usually via With so that a
// line can be traced back to its subsystem: component=ca for Channel
// Access traffic, component=engine for plan execution, and so on. Safe
// for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger from the [logging] config section.
//
// Format is "json" (the default, for ingestion by the facility's log
// aggregator) or "text" for a human watching the terminal during
// commissioning. Output is "stdout", "stderr", or a file path; files are
// opened in append mode so a daemon restart does not erase the shift's
// history. An unopenable file falls back to stderr rather than failing
// startup, since a beamline with a broken log path still needs its
// motors.
//
// Parameters:
//   - cfg: Logging configuration from iconfig.toml
//   - version: Daemon version, stamped on every line
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	output := openOutput(cfg.Output)

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "beamlined"),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// openOutput resolves the configured output destination.
func openOutput(output string) io.Writer {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}

	// Anything else is a file path. 0600: log lines carry usernames and
	// device names that other accounts on the control host need not see.
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return os.Stderr
	}
	return f
}

// parseLevel converts a config string to a slog.Level. Unrecognised
// values get info, not an error: a typo in the log level should not
// stop the daemon.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger carrying additional default attributes.
//
// Example:
//
//	caLogger := logger.With("component", "ca")
//	caLogger.Info("circuit connected") // includes component=ca
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default returns a logger for early startup, before the config file has
// been read: JSON to stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
