// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command modelserver serves one classification model over HTTP, the shape
// deployed as a CML application per detector.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cloudera-cai/guardrails-cai/pkg/logging"
	"github.com/cloudera-cai/guardrails-cai/services/models"
	"github.com/cloudera-cai/guardrails-cai/services/modelserver"
)

var (
	modelID      string
	modelName    string
	device       string
	host         string
	port         int
	threshold    float64
	labels       []string
	endpoint     string
	logLevel     string
	rateLimitRPS float64

	rootCmd = &cobra.Command{
		Use:   "modelserver",
		Short: "Serve a classification model over HTTP",
		Long: `Loads one classification model and exposes it on /predict, with
/health and /models alongside. A load failure is fatal: the process exits
non-zero so the platform reports the application as failed instead of
serving a model that cannot predict.`,
		RunE: runServer,
	}
)

func init() {
	rootCmd.Flags().StringVar(&modelID, "model", "", "model identifier to load (required)")
	rootCmd.Flags().StringVar(&modelName, "model-name", "model", "registry name for the model")
	rootCmd.Flags().StringVar(&device, "device", "cpu", "inference device: cpu, cuda, or mps")
	rootCmd.Flags().StringVar(&host, "host", "0.0.0.0", "bind address")
	rootCmd.Flags().IntVar(&port, "port", defaultPort(), "bind port (CDSW_APP_PORT wins when set)")
	rootCmd.Flags().Float64Var(&threshold, "threshold", 0.5, "classification threshold")
	rootCmd.Flags().StringSliceVar(&labels, "labels", nil, "ordered label names for LABEL_<n> outputs")
	rootCmd.Flags().StringVar(&endpoint, "endpoint", "", "classification runtime base URL (default MODEL_RUNTIME_URL)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", os.Getenv("LOG_LEVEL"), "minimum log level")
	rootCmd.Flags().Float64Var(&rateLimitRPS, "rate-limit", 0, "per-client requests per second on /predict (0 disables)")
	_ = rootCmd.MarkFlagRequired("model")
}

// defaultPort honors the port CML assigns to the application.
func defaultPort() int {
	if v := os.Getenv("CDSW_APP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return 8081
}

func runServer(cmd *cobra.Command, args []string) error {
	logging.Setup(logging.Config{
		Level:   logLevel,
		Service: "model-server",
		JSON:    true,
	})

	cleanup, err := modelserver.InitTracer("model-server")
	if err != nil {
		slog.Warn("Tracing unavailable", "error", err)
	} else {
		defer cleanup(context.Background())
	}

	registry := models.NewRegistry()
	_, err = registry.RegisterModel(context.Background(), modelName, "huggingface",
		models.ModelConfig{
			ModelID:   modelID,
			Endpoint:  endpoint,
			Device:    device,
			Threshold: threshold,
			Labels:    labels,
		}, true)
	if err != nil {
		return err
	}

	svc, err := modelserver.New(modelserver.Config{
		Host:         host,
		Port:         port,
		RateLimitRPS: rateLimitRPS,
	}, registry)
	if err != nil {
		return err
	}
	return svc.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Model server failed", "error", err)
		os.Exit(1)
	}
}
