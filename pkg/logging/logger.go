// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for guardrails components.
//
// The package is a thin layer over the standard library slog package:
//
//   - Default: stderr output (text for CLIs, JSON for services)
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
// Services install the logger as the process default once at startup:
//
//	logger := logging.Setup(logging.Config{
//	    Level:   "info",
//	    Service: "guardrails-server",
//	    JSON:    true,
//	})
//	logger.Info("starting server", "port", port)
//
// After Setup, package-level slog calls anywhere in the process go through
// the configured handler.
//
// # Log Levels
//
// Levels are configured by name ("debug", "info", "warn", "error"), matching
// the LOG_LEVEL environment variable and the server config file. Unknown
// names fall back to info.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers must
// ensure API keys and user content are not logged:
//
//	// BAD: logs the key
//	logger.Info("llm configured", "api_key", cfg.APIKey)
//
//	// GOOD: log metadata only
//	logger.Info("llm configured", "api_key_present", cfg.APIKey != "")
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the logging setup.
//
// A zero-value Config yields an info-level text logger on stderr.
type Config struct {
	// Level is the minimum log level by name: "debug", "info", "warn",
	// "error". Unknown values fall back to "info".
	Level string

	// Service is attached to every log entry as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	JSON bool

	// LogDir enables file logging to the given directory in addition to
	// stderr. The file is named "{Service}_{YYYY-MM-DD}.log". Supports ~
	// expansion. Failures to open the file are ignored; stderr logging
	// continues.
	LogDir string

	// Quiet disables stderr output. Only useful together with LogDir.
	Quiet bool
}

// ParseLevel maps a level name to its slog level. Unknown names map to
// slog.LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// =============================================================================
// Setup
// =============================================================================

// Setup builds the logger and installs it as the process default.
//
// # Description
//
// Constructs handlers per the config (stderr and optionally a log file),
// wraps them in a fan-out handler, attaches the service attribute, and calls
// slog.SetDefault. Returns the same logger for callers that prefer an
// explicit handle.
func Setup(config Config) *slog.Logger {
	logger := New(config)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger per the config without touching the process default.
func New(config Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if config.LogDir != "" {
		if fileHandler := newFileHandler(config, opts); fileHandler != nil {
			handlers = append(handlers, fileHandler)
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Fallback: at least write to stderr
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	return slog.New(handler)
}

// newFileHandler opens the dated log file and returns a JSON handler for it.
// Returns nil when the directory or file cannot be created.
func newFileHandler(config Config, opts *slog.HandlerOptions) slog.Handler {
	logDir := expandPath(config.LogDir)
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil
	}

	serviceName := config.Service
	if serviceName == "" {
		serviceName = "guardrails"
	}
	filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))

	file, err := os.OpenFile(filepath.Join(logDir, filename),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil
	}
	// File logs are always JSON for machine processing.
	return slog.NewJSONHandler(file, opts)
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers, enabling
// simultaneous stderr and file output with different formats.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
