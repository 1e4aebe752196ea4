// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/multigres/pgdal/go/tools/viperutil"
)

// Logger owns the slog configuration of a server process: level,
// format, and output destination, each settable by flag or config
// file.
type Logger struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	loggerOnce sync.Once
	loggerMu   sync.Mutex
	logger     *slog.Logger

	hooksMu    sync.Mutex
	setupHooks []func(*slog.Logger)
}

// NewLogger creates a Logger whose settings live on the given registry.
func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stdout",
			FlagName: "log-output",
		}),
	}
}

// RegisterFlags registers the logging flags on the given FlagSet.
// This must happen before flag parsing.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// OnLoggingSetup registers a callback to be called once the logger is
// created, so applications can hook in their own customization.
func (lg *Logger) OnLoggingSetup(f func(*slog.Logger)) {
	lg.hooksMu.Lock()
	defer lg.hooksMu.Unlock()
	lg.setupHooks = append(lg.setupHooks, f)
}

// SetupLogging builds the logger from the configured settings and
// installs it as the slog default. Only the first call has any effect.
func (lg *Logger) SetupLogging() {
	lg.loggerOnce.Do(func() {
		var level slog.Level
		levelStr := lg.logLevel.Get()
		switch strings.ToLower(levelStr) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var output io.Writer
		outputStr := lg.logOutput.Get()
		switch strings.ToLower(outputStr) {
		case "stdout", "":
			output = os.Stdout
		case "stderr":
			output = os.Stderr
		default:
			// Treat as a file path, falling back to stdout when the
			// file cannot be opened.
			file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				output = os.Stdout
			} else {
				output = file
			}
		}

		var handler slog.Handler
		formatStr := lg.logFormat.Get()
		switch strings.ToLower(formatStr) {
		case "text":
			handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
		default:
			handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		lg.loggerMu.Lock()
		lg.logger = newLogger
		lg.loggerMu.Unlock()

		lg.fireSetupHooks(newLogger)

		newLogger.Info("logging initialized",
			"level", levelStr,
			"format", formatStr,
			"output", outputStr,
		)
	})
}

// GetLogger returns the configured logger, or the slog default if
// SetupLogging has not run yet.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.loggerMu.Lock()
	defer lg.loggerMu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

func (lg *Logger) fireSetupHooks(l *slog.Logger) {
	lg.hooksMu.Lock()
	hooks := make([]func(*slog.Logger), len(lg.setupHooks))
	copy(hooks, lg.setupHooks)
	lg.hooksMu.Unlock()

	for _, hook := range hooks {
		hook(l)
	}
}

// GetLogLevel returns the current log level setting.
func (lg *Logger) GetLogLevel() string {
	return lg.logLevel.Get()
}

// GetLogFormat returns the current log format setting.
func (lg *Logger) GetLogFormat() string {
	return lg.logFormat.Get()
}

// GetLogOutput returns the current log output setting.
func (lg *Logger) GetLogOutput() string {
	return lg.logOutput.Get()
}

// GetLogger returns the logger configured for this environment.
func (sv *ServEnv) GetLogger() *slog.Logger {
	return sv.lg.GetLogger()
}

// LoggerInstance returns the underlying Logger, for binaries that need
// to register its flags separately from the servenv flags.
func (sv *ServEnv) LoggerInstance() *Logger {
	return sv.lg
}
