// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command guardrails runs the guarded generation server.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudera-cai/guardrails-cai/pkg/logging"
	"github.com/cloudera-cai/guardrails-cai/services/guardrails"
	"github.com/cloudera-cai/guardrails-cai/services/guardrails/rails"
	"github.com/cloudera-cai/guardrails-cai/services/models"
)

var (
	configFile  string
	watchConfig bool

	rootCmd = &cobra.Command{
		Use:   "guardrails",
		Short: "Run the guardrails server with local model checks",
		Long: `Starts the guardrails HTTP server: registers the local classification
models, wires the jailbreak and toxicity check actions into the rails
engine, and serves guarded generation requests.`,
		RunE: runServer,
	}
)

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "",
		"path to the guardrails YAML config (default resolved from GUARDRAILS_CONFIG_FILE)")
	rootCmd.Flags().BoolVar(&watchConfig, "watch", false,
		"reload local models when the config file changes")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := guardrails.LoadConfig(configFile)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{
		Level:   cfg.Server.LogLevel,
		Service: "guardrails-server",
		JSON:    true,
	})

	engine, err := rails.NewHTTPEngine(rails.EngineOptions{
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		APIBase: cfg.LLM.APIBase,
	})
	if err != nil {
		return err
	}

	registry := models.NewRegistry()
	server, err := guardrails.New(cfg, registry, engine)
	if err != nil {
		return err
	}

	if watchConfig {
		path := configFile
		if path == "" {
			path = guardrails.ResolveConfigFile()
		}
		if err := server.WatchConfig(context.Background(), path); err != nil {
			slog.Warn("Config watching unavailable", "error", err)
		}
	}

	return server.Start()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Guardrails server failed", "error", err)
		os.Exit(1)
	}
}
