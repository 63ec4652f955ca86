// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the severity-leveled, rotating logger every
// binary in this module writes through: a package-level default
// *slog.Logger built by a loggerFactory that targets stdout or a file,
// with rotation handled by gopkg.in/natefinch/lumberjack.v2. File-backed
// output is wrapped in an AsyncLogger so a stalled disk or rotation never
// blocks a dispatcher handler's logging call.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels: TRACE is the most verbose, OFF disables logging
// entirely.
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = 12
)

const (
	SeverityTrace   = "TRACE"
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityOff     = "OFF"
)

// RotateConfig is the rotation knobs lumberjack.Logger exposes directly.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

// Config is what a binary's cfg.LoggingConfig translates into before
// calling Init.
type Config struct {
	FilePath string
	Format   string // "text" or "json"
	Severity string
	Rotate   RotateConfig
}

// asyncBufferSize bounds how many pending log lines may queue behind the
// rotating file sink before new ones are dropped.
const asyncBufferSize = 1024

type loggerFactory struct {
	file   *lumberjack.Logger
	async  *AsyncLogger
	level  *slog.LevelVar
	format string
	rotate RotateConfig
}

func (f *loggerFactory) writer() io.Writer {
	if f.async != nil {
		return f.async
	}
	return os.Stdout
}

func (f *loggerFactory) handler() slog.Handler {
	opts := &slog.HandlerOptions{
		Level: f.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(f.writer(), opts)
	}
	return slog.NewTextHandler(f.writer(), opts)
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return SeverityTrace
	case l <= LevelDebug:
		return SeverityDebug
	case l <= LevelInfo:
		return SeverityInfo
	case l <= LevelWarn:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func severityLevel(s string) slog.Level {
	switch s {
	case SeverityTrace:
		return LevelTrace
	case SeverityDebug:
		return LevelDebug
	case SeverityWarning:
		return LevelWarn
	case SeverityError:
		return LevelError
	case SeverityOff:
		return LevelOff
	default:
		return LevelInfo
	}
}

var defaultFactory = &loggerFactory{
	level:  levelVarAt(LevelInfo),
	format: "text",
}

var defaultLogger = slog.New(defaultFactory.handler())

func levelVarAt(l slog.Level) *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(l)
	return v
}

// Init rebuilds the default logger from cfg, opening (and rotating) a log
// file when cfg.FilePath is non-empty.
func Init(cfg Config) error {
	rotate := cfg.Rotate
	if rotate == (RotateConfig{}) {
		rotate = DefaultRotateConfig()
	}

	f := &loggerFactory{
		level:  levelVarAt(severityLevel(cfg.Severity)),
		format: cfg.Format,
		rotate: rotate,
	}

	if cfg.FilePath != "" {
		f.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    rotate.MaxFileSizeMB,
			MaxBackups: rotate.BackupFileCount,
			Compress:   rotate.Compress,
		}
		f.async = NewAsyncLogger(f.file, asyncBufferSize)
	}

	if old := defaultFactory; old != nil && old.async != nil {
		old.async.Close()
	}

	defaultFactory = f
	defaultLogger = slog.New(f.handler())
	return nil
}

// Close flushes and closes the active rotating file sink, if one is in
// use. Callers shutting down a mount should defer this after Init.
func Close() error {
	if defaultFactory.async != nil {
		return defaultFactory.async.Close()
	}
	return nil
}

// SetFormat swaps the active log format ("text" or "json") in place.
func SetFormat(format string) {
	defaultFactory.format = format
	defaultLogger = slog.New(defaultFactory.handler())
}

// SetSeverity adjusts the active severity threshold without rebuilding
// the underlying writer.
func SetSeverity(severity string) {
	defaultFactory.level.Set(severityLevel(severity))
}

// Default returns the package-level logger, for components that want a
// *slog.Logger directly (e.g. vnodefs.NewMount).
func Default() *slog.Logger {
	return defaultLogger
}

func logAttrs(ctx context.Context, level slog.Level, format string, v ...any) {
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logAttrs(context.Background(), LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logAttrs(context.Background(), LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logAttrs(context.Background(), LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logAttrs(context.Background(), LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logAttrs(context.Background(), LevelError, format, v...) }
