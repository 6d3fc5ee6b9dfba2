// Package logging provides structured logging for LaserLink Core.
//
// It wraps log/slog so every component logs the same way, with
// service and version fields attached to each record.
//
// # Formats
//
//   - json: production output, one object per line
//   - text: slog's key=value output
//   - console: coloured, aligned output for a developer terminal
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text, console
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("device selected", "uuid", info.UUID)
//
// Never log device passwords or the client key.
package logging
