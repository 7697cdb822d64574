// Package logging wires zerolog into EntDB's component tree, mirroring
// cuemby-warren's pkg/log: a process-wide Logger plus WithComponent
// child loggers, console output in development and JSON in
// production, with optional file rotation via lumberjack.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Level names a minimum severity to emit.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls where and how EntDB logs.
type Config struct {
	Level      Level
	JSONOutput bool
	// FilePath, when non-empty, rotates logs through lumberjack instead
	// of stdout.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init builds the process-wide Logger from cfg.
func Init(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.FilePath != "" {
		output = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
	}

	if cfg.JSONOutput {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with component, the
// shape every background task (applier, archiver, snapshotter, API)
// uses to identify its log lines.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithTenant returns a child logger tagged with tenant_id.
func WithTenant(base zerolog.Logger, tenantID string) zerolog.Logger {
	return base.With().Str("tenant_id", tenantID).Logger()
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
