package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	console "github.com/phsym/console-slog"

	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
)

// serviceName is attached to every record.
const serviceName = "laserlink"

// Logger wraps slog.Logger with LaserLink-specific defaults.
//
// All methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger from configuration.
//
// Unknown formats fall back to JSON and unknown levels to info.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	return &Logger{Logger: slog.New(newHandler(output, cfg, version))}
}

// newHandler builds the slog handler for the configured format.
func newHandler(w io.Writer, cfg config.LoggingConfig, version string) slog.Handler {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "console":
		handler = console.NewHandler(w, &console.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
}

// parseLevel converts a string log level to slog.Level, defaulting to info.
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

// With returns a new Logger with additional default attributes.
//
//	sessLog := logger.With("component", "control", "uuid", uuid)
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a logger for use before configuration is loaded:
// JSON on stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "unknown")
}
