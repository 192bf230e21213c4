// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"

	"github.com/cloudera-cai/guardrails-cai/services/guardrails/rails"
	"github.com/cloudera-cai/guardrails-cai/services/models"
)

// ConfigNotFoundError indicates the rails configuration directory does not
// exist. The server cannot start without it.
type ConfigNotFoundError struct {
	Path string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("guardrails config path not found: %q", e.Path)
}

// =============================================================================
// Guardrails Server
// =============================================================================

// Server hosts the guarded generation API.
//
// # Description
//
// Server ties together the rails engine, the model registry, and the HTTP
// surface. Construction registers the local-model check actions with the
// engine and populates the registry from the configured local models; model
// load failures are logged and skipped so one broken detector does not
// prevent startup.
type Server struct {
	cfg      *Config
	registry *models.Registry
	engine   rails.Engine
	router   *gin.Engine
}

type generateRequest struct {
	Messages []rails.Message `json:"messages"`
	Prompt   string          `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// New creates the guardrails server.
//
// # Inputs
//
//   - cfg: Effective configuration (see LoadConfig).
//   - registry: Model registry to populate and query. Must be non-nil.
//   - engine: Rails engine the check actions are registered with.
//
// # Outputs
//
//   - *Server: Ready to Start.
//   - error: *ConfigNotFoundError when cfg.ConfigPath does not exist.
func New(cfg *Config, registry *models.Registry, engine rails.Engine) (*Server, error) {
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return nil, &ConfigNotFoundError{Path: cfg.ConfigPath}
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
	}

	registry.LoadFromConfig(context.Background(), cfg.LocalModels)

	engine.RegisterAction(ActionCheckJailbreak, NewJailbreakCheck(registry))
	engine.RegisterAction(ActionCheckToxicity, NewToxicityCheck(registry))
	engine.RegisterAction(ActionCheckLocalModel, NewLocalModelCheck(registry))

	s.router = s.buildRouter()

	slog.Info("Guardrails server initialized",
		"config_path", cfg.ConfigPath,
		"actions", engine.Actions(),
	)
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.cfg.Server.CORSOrigins))

	router.GET("/health", s.handleHealth)
	v1 := router.Group("/v1")
	{
		v1.POST("/generate", s.handleGenerate)
	}
	return router
}

// Start runs the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	slog.Info("Starting guardrails server", "addr", addr)
	if err := s.router.Run(addr); err != nil {
		return fmt.Errorf("guardrails server failed: %w", err)
	}
	return nil
}

// Router returns the underlying gin engine for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Generate is the programmatic entry point: one prompt in, one guarded
// response out.
func (s *Server) Generate(ctx context.Context, prompt string) (string, error) {
	return s.engine.Generate(ctx, []rails.Message{
		{Role: "user", Content: prompt},
	})
}

// Health returns the server health snapshot.
func (s *Server) Health() map[string]any {
	registryHealth := s.registry.Health()
	return map[string]any{
		"status":       "healthy",
		"config_path":  s.cfg.ConfigPath,
		"total_models": registryHealth.TotalModels,
		"models":       registryHealth.Models,
		"actions":      s.engine.Actions(),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Health())
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	messages := req.Messages
	if len(messages) == 0 {
		if req.Prompt == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "messages or prompt required"})
			return
		}
		messages = []rails.Message{{Role: "user", Content: req.Prompt}}
	}

	response, err := s.engine.Generate(c.Request.Context(), messages)
	if err != nil {
		slog.Error("Generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generation failed"})
		return
	}
	c.JSON(http.StatusOK, generateResponse{Response: response})
}

// corsMiddleware applies the configured allowed origins. An empty list or a
// "*" entry allows every origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// =============================================================================
// Config Hot Reload
// =============================================================================

// WatchConfig re-registers local models when the config file changes.
//
// # Description
//
// Watches the given YAML file and, on write events, re-parses it and re-runs
// the registry bulk load with the new local_models section. Reload failures
// are logged and the previous registry state is kept. The watcher stops when
// ctx is cancelled.
func (s *Server) WatchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watching config file %q: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				slog.Info("Config file changed, reloading local models", "path", path)
				s.reloadModels(ctx, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching config file for changes", "path", path)
	return nil
}

func (s *Server) reloadModels(ctx context.Context, path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		slog.Error("Config reload failed, keeping current models", "error", err)
		return
	}

	// Drop models that disappeared from the config, then re-register the
	// rest. RegisterModel replacement unloads prior entries.
	for name := range s.registry.ListModels() {
		if _, stillWanted := cfg.LocalModels[name]; !stillWanted {
			s.registry.UnregisterModel(name)
		}
	}
	s.registry.LoadFromConfig(ctx, cfg.LocalModels)
	s.cfg.LocalModels = cfg.LocalModels
}
