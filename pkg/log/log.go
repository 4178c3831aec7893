// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is a thin structured logging layer on top of zap. Context is
// passed as alternating key/value arguments:
//
//	log.Info("Flow created", "index", idx, "gen", gen)
package log

import (
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vrflow/vrflow/pkg/private/serrors"
)

const (
	// DefaultConsoleLevel is the default log level for the console.
	DefaultConsoleLevel = "info"
	// DefaultStacktraceLevel is the default level from which on stack traces
	// are attached to log entries.
	DefaultStacktraceLevel = "none"
)

// Level is a log level.
type Level zapcore.Level

const (
	DebugLevel = Level(zapcore.DebugLevel)
	InfoLevel  = Level(zapcore.InfoLevel)
	ErrorLevel = Level(zapcore.ErrorLevel)
)

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...any) Logger
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Enabled(lvl Level) bool
}

// Config configures the logging.
type Config struct {
	Console ConsoleConfig `toml:"console,omitempty"`
}

// ConsoleConfig is the config for the console logger.
type ConsoleConfig struct {
	// Level of console logging (debug|info|error).
	Level string `toml:"level,omitempty"`
	// Format of the console logging (human|json).
	Format string `toml:"format,omitempty"`
	// StacktraceLevel sets from which level stacktraces are printed
	// (debug|info|error|none).
	StacktraceLevel string `toml:"stacktrace_level,omitempty"`
	// DisableCaller stops annotating logs with the calling function's file
	// name and line number.
	DisableCaller bool `toml:"disable_caller,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *Config) InitDefaults() {
	if c.Console.Level == "" {
		c.Console.Level = DefaultConsoleLevel
	}
	if c.Console.Format == "" {
		c.Console.Format = "human"
	}
	if c.Console.StacktraceLevel == "" {
		c.Console.StacktraceLevel = DefaultStacktraceLevel
	}
}

var (
	atomicLevel = zap.NewAtomicLevel()
	root        = zap.NewNop()
)

// Setup configures the root logger according to cfg. It must be called before
// any goroutine logs.
func Setup(cfg Config, opts ...Option) error {
	cfg.InitDefaults()
	o := applyOptions(opts)

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Console.Level)); err != nil {
		return serrors.Wrap("parsing log.console.level", err)
	}
	atomicLevel.SetLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Console.Format) {
	case "human":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return serrors.New("unknown log.console.format", "format", cfg.Console.Format)
	}

	zopts := o.zapOptions()
	if !cfg.Console.DisableCaller {
		zopts = append(zopts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if st := strings.ToLower(cfg.Console.StacktraceLevel); st != "none" {
		var stLvl zapcore.Level
		if err := stLvl.UnmarshalText([]byte(st)); err != nil {
			return serrors.Wrap("parsing log.console.stacktrace_level", err)
		}
		zopts = append(zopts, zap.AddStacktrace(stLvl))
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atomicLevel)
	root = zap.New(core, zopts...)
	zap.ReplaceGlobals(root)
	return nil
}

// ConsoleLevel returns the HTTP handler that reports and changes the console
// level at runtime.
func ConsoleLevel() http.Handler {
	return atomicLevel
}

// SetLevel changes the console level at runtime.
func SetLevel(lvl Level) {
	atomicLevel.SetLevel(zapcore.Level(lvl))
}

// Flush writes buffered log entries.
func Flush() {
	_ = root.Sync()
}

// HandlePanic catches panics, logs them with the stack and exits the process.
// Use it as the first deferred call of every goroutine.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.Error("Panic", zap.Any("msg", msg), zap.ByteString("stack", debug.Stack()))
		root.Error("=====================> Service panicked!")
		Flush()
		os.Exit(255)
	}
}

// Debug logs at debug level.
func Debug(msg string, ctx ...any) {
	root.Debug(msg, convertCtx(ctx)...)
}

// Info logs at info level.
func Info(msg string, ctx ...any) {
	root.Info(msg, convertCtx(ctx)...)
}

// Error logs at error level.
func Error(msg string, ctx ...any) {
	root.Error(msg, convertCtx(ctx)...)
}

// New creates a logger with the given context.
func New(ctx ...any) Logger {
	return &logger{logger: root.With(convertCtx(ctx)...)}
}

// Root returns the root logger.
func Root() Logger {
	return &logger{logger: root}
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) Logger {
	return &logger{logger: l}
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...any) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...any) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...any) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...any) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(zapcore.Level(lvl))
}

func convertCtx(ctx []any) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}
