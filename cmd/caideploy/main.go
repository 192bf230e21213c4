// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command caideploy drives Cloudera AI deployments: it creates the
// guardrails application and runs the provisioning job pipeline.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudera-cai/guardrails-cai/pkg/logging"
	"github.com/cloudera-cai/guardrails-cai/services/deploy"
)

var (
	cmlHost   string
	cmlAPIKey string
	projectID string

	appName       string
	appScript     string
	appCPU        int
	appMemory     int
	appTimeout    time.Duration
	appOutputPath string

	jobsConfigPath string

	rootCmd = &cobra.Command{
		Use:   "caideploy",
		Short: "Deploy guardrails components to Cloudera AI",
	}

	applicationCmd = &cobra.Command{
		Use:   "application",
		Short: "Create the guardrails application and wait for it to come up",
		RunE:  runApplication,
	}

	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "Trigger the provisioning job pipeline and wait for completion",
		RunE:  runJobs,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cmlHost, "host", "",
		"Cloudera AI workspace URL (default CML_HOST or CDSW_DOMAIN)")
	rootCmd.PersistentFlags().StringVar(&cmlAPIKey, "api-key", "",
		"API v2 key (default CML_API_KEY or CDSW_APIV2_KEY)")
	rootCmd.PersistentFlags().StringVar(&projectID, "project-id", os.Getenv("CDSW_PROJECT_ID"),
		"project identifier (default CDSW_PROJECT_ID)")

	applicationCmd.Flags().StringVar(&appName, "name", "guardrails-server", "application name")
	applicationCmd.Flags().StringVar(&appScript, "script", "scripts/launch_guardrails.py",
		"script the application runs")
	applicationCmd.Flags().IntVar(&appCPU, "cpu", 0, "vCPU count (0 uses the platform default)")
	applicationCmd.Flags().IntVar(&appMemory, "memory", 0, "memory in GB (0 uses the platform default)")
	applicationCmd.Flags().DurationVar(&appTimeout, "timeout", 10*time.Minute,
		"how long to wait for the application to reach running")
	applicationCmd.Flags().StringVar(&appOutputPath, "output", "guardrails_connection.json",
		"where to write the connection info")

	jobsCmd.Flags().StringVar(&jobsConfigPath, "jobs-config", "jobs_config.yaml",
		"jobs pipeline definition")

	rootCmd.AddCommand(applicationCmd, jobsCmd)
}

func newClient() (*deploy.Client, error) {
	if cmlHost != "" || cmlAPIKey != "" {
		return deploy.NewClient(cmlHost, cmlAPIKey)
	}
	return deploy.NewClientFromEnv()
}

func runApplication(cmd *cobra.Command, args []string) error {
	logging.Setup(logging.Config{Service: "caideploy", JSON: false})

	client, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := client.CreateApplication(ctx, projectID, deploy.ApplicationSpec{
		Name:   appName,
		Script: appScript,
		CPU:    appCPU,
		Memory: appMemory,
		Environment: map[string]string{
			"GUARDRAILS_CONFIG_PATH": os.Getenv("GUARDRAILS_CONFIG_PATH"),
		},
	})
	if err != nil {
		return err
	}
	slog.Info("Application created", "app_id", app.ID, "name", app.Name)

	app, err = client.WaitForApplicationReady(ctx, projectID, app.ID, appTimeout)
	if err != nil {
		return err
	}

	if err := deploy.SaveConnectionInfo(app, appOutputPath); err != nil {
		return err
	}
	slog.Info("Application ready", "app_id", app.ID, "subdomain", app.Subdomain,
		"info", appOutputPath)
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	logging.Setup(logging.Config{Service: "caideploy", JSON: false})

	client, err := newClient()
	if err != nil {
		return err
	}

	cfg, err := deploy.LoadJobsConfig(jobsConfigPath)
	if err != nil {
		return err
	}
	return client.RunPipeline(context.Background(), projectID, cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Deployment failed", "error", err)
		os.Exit(1)
	}
}
