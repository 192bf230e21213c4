// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultRuntimeIdentifier is the CML runtime image used when a deployment
// does not pin its own.
const DefaultRuntimeIdentifier = "docker.repository.cloudera.com/cloudera/cdsw/ml-runtime-pbj-jupyterlab-python3.11-cuda:2025.09.1-b5"

// ApplicationSpec describes a CML application to create.
type ApplicationSpec struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description,omitempty"`
	Script               string            `json:"script"`
	CPU                  int               `json:"cpu"`
	Memory               int               `json:"memory"`
	Environment          map[string]string `json:"environment,omitempty"`
	BypassAuthentication bool              `json:"bypass_authentication"`
	RuntimeIdentifier    string            `json:"runtime_identifier"`
}

// Application is the CML application object returned by the API.
type Application struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ConnectionInfo is the connection summary written after a successful
// deployment, consumed by downstream scripts and operators.
type ConnectionInfo struct {
	AppID     string `json:"app_id"`
	AppName   string `json:"app_name"`
	Subdomain string `json:"subdomain"`
	URL       string `json:"url"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// CreateApplication creates a CML application in the project.
//
// Defaults are applied for zero-valued spec fields: 4 CPUs, 16 GB memory,
// the default runtime image.
func (c *Client) CreateApplication(ctx context.Context, projectID string, spec ApplicationSpec) (*Application, error) {
	if spec.CPU <= 0 {
		spec.CPU = 4
	}
	if spec.Memory <= 0 {
		spec.Memory = 16
	}
	if spec.RuntimeIdentifier == "" {
		spec.RuntimeIdentifier = DefaultRuntimeIdentifier
	}

	slog.Info("Creating application", "name", spec.Name, "project_id", projectID)

	var app Application
	endpoint := fmt.Sprintf("projects/%s/applications", projectID)
	if err := c.doJSON(ctx, http.MethodPost, endpoint, spec, &app); err != nil {
		return nil, fmt.Errorf("creating application %q: %w", spec.Name, err)
	}
	if app.ID == "" {
		return nil, fmt.Errorf("no application ID in response for %q", spec.Name)
	}

	slog.Info("Application created", "id", app.ID, "name", app.Name)
	return &app, nil
}

// GetApplication fetches the current state of an application.
func (c *Client) GetApplication(ctx context.Context, projectID, appID string) (*Application, error) {
	var app Application
	endpoint := fmt.Sprintf("projects/%s/applications/%s", projectID, appID)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &app); err != nil {
		return nil, fmt.Errorf("getting application %q: %w", appID, err)
	}
	return &app, nil
}

// WaitForApplicationReady polls until the application reports "running".
//
// # Description
//
// Polls every 10 seconds; individual poll failures are logged and retried
// until the deadline. Returns the running application, or an error when the
// timeout or ctx expires first.
func (c *Client) WaitForApplicationReady(ctx context.Context, projectID, appID string, timeout time.Duration) (*Application, error) {
	slog.Info("Waiting for application to be ready", "app_id", appID, "timeout", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		app, err := c.GetApplication(ctx, projectID, appID)
		switch {
		case err != nil:
			slog.Warn("Error checking application status", "app_id", appID, "error", err)
		case app.Status == "running":
			slog.Info("Application is running", "app_id", appID)
			return app, nil
		default:
			slog.Info("Application status", "app_id", appID, "status", app.Status)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for application %q: %w", appID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SaveConnectionInfo writes the application's connection summary as JSON.
func SaveConnectionInfo(app *Application, path string) error {
	subdomain := app.Subdomain
	if subdomain == "" {
		subdomain = app.Name
	}
	info := ConnectionInfo{
		AppID:     app.ID,
		AppName:   app.Name,
		Subdomain: subdomain,
		URL:       "https://" + subdomain,
		Status:    app.Status,
		CreatedAt: app.CreatedAt,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling connection info: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing connection info to %q: %w", path, err)
	}

	slog.Info("Connection info saved", "path", path, "url", info.URL)
	return nil
}
