// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level and optional rotated log file.
type Config struct {
	Level string
	// File, when set, receives a copy of every line. The file is rotated at
	// MaxSizeMB and MaxBackups old files are kept.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a config level name to a slog.Level. Unknown names map to
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a JSON logger writing to stdout, and to a rotated file when
// cfg.File is set. The returned closer flushes and closes the file.
func New(cfg Config) (*slog.Logger, func() error) {
	return newWithStdout(cfg, os.Stdout)
}

func newWithStdout(cfg Config, stdout io.Writer) (*slog.Logger, func() error) {
	var (
		out     io.Writer = stdout
		closeFn           = func() error { return nil }
	)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(stdout, rotator)
		closeFn = rotator.Close
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	return slog.New(handler), closeFn
}

// Install makes logger the slog default and routes the standard library
// logger through it, so go-ethereum and net/http messages stay structured.
func Install(logger *slog.Logger) {
	slog.SetDefault(logger)
	bridge := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
