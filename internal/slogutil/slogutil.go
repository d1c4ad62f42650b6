// Package slogutil wires slog up for the library and CLI: level handling,
// component loggers and optional file output with rotation.
package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webimg/webimg/internal/config"
)

// DynamicLeveler is a slog.Leveler whose level can be changed at runtime.
type DynamicLeveler struct {
	level atomic.Value
}

// NewDynamicLeveler returns a leveler starting at the given level.
func NewDynamicLeveler(level slog.Level) *DynamicLeveler {
	dl := &DynamicLeveler{}
	dl.level.Store(level)
	return dl
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	return dl.level.Load().(slog.Level)
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(level)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the application logger from LogConfig. Console output is
// always on; when a log file is configured, records are additionally written
// there as JSON with lumberjack rotation. The returned leveler adjusts the
// level of both outputs at runtime.
func Setup(cfg config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	leveler := NewDynamicLeveler(ParseLevel(cfg.Level))

	var writer io.Writer = os.Stdout
	if cfg.File != "" {
		writer = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: leveler,
	})

	return slog.New(handler), leveler
}
