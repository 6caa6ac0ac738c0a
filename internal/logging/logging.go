// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across the proxy
// node. It wraps log/slog so the level can be changed at runtime from
// a single place: the dynamic config cell calls SetLevel whenever the
// control plane pushes a new log_level, with no restart required.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Level mirrors the five levels the control plane is allowed to push.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// slogLevel maps our Level onto slog's (slog has no "trace"; trace
// logs at one step below debug so they can still be filtered out
// independently by a sufficiently low handler level).
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls how the root logger is constructed.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// DefaultConfig returns sane defaults for a freshly started process.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		JSON:   false,
		Output: os.Stderr,
	}
}

// Logger wraps *slog.Logger with a mutable level, so C3 can hot-reload
// the level pushed by the control plane without reconstructing the
// handler or losing already-bound component attributes.
type Logger struct {
	base     *slog.Logger
	levelVar *slog.LevelVar
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	lv := &slog.LevelVar{}
	lv.Set(cfg.Level.slogLevel())

	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{base: slog.New(handler), levelVar: lv}
}

// WithComponent returns a derived logger tagging every record with
// component=name, leaving the level knob shared with the parent.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{base: l.base.With("component", name), levelVar: l.levelVar}
}

// With returns a derived logger with the given key/value pairs attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...), levelVar: l.levelVar}
}

// SetLevel changes the minimum level logged by this logger and every
// logger derived from it. Safe for concurrent use; this is the hook
// C3.apply calls when a heartbeat pushes a new log_level.
func (l *Logger) SetLevel(level Level) {
	l.levelVar.Set(level.slogLevel())
}

func (l *Logger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base.Error(msg, args...) }

// Trace logs below slog's Debug level; most handlers will filter it
// unless the level is explicitly set to "trace".
func (l *Logger) Trace(msg string, args ...any) {
	l.base.Log(context.Background(), LevelTrace.slogLevel(), msg, args...)
}

// Slog exposes the underlying *slog.Logger for callers that need to
// pass one to a library expecting stdlib slog (e.g. http.Server's
// ErrorLog adapter via slog.NewLogLogger).
func (l *Logger) Slog() *slog.Logger { return l.base }

var def = New(DefaultConfig())

// SetDefault installs logger as the process-wide default used by the
// package-level helpers below.
func SetDefault(logger *Logger) { def = logger }

// Default returns the process-wide default logger.
func Default() *Logger { return def }

func Debug(msg string, args ...any) { def.Debug(msg, args...) }
func Info(msg string, args ...any)  { def.Info(msg, args...) }
func Warn(msg string, args ...any)  { def.Warn(msg, args...) }
func Error(msg string, args ...any) { def.Error(msg, args...) }
