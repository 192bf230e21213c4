// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// JobSpec is one job definition in the pipeline configuration.
//
// Jobs with a ParentJobKey are triggered platform-side when their parent
// succeeds; only the root job (no parent) needs an explicit trigger.
type JobSpec struct {
	Name         string  `yaml:"name"`
	ParentJobKey *string `yaml:"parent_job_key"`
	// TimeoutSeconds bounds the wait for this job's completion. Zero means
	// one hour.
	TimeoutSeconds int `yaml:"timeout"`
}

// JobsConfig is the job pipeline configuration.
type JobsConfig struct {
	Jobs map[string]JobSpec `yaml:"jobs"`
}

// JobRun is a single execution of a CML job.
type JobRun struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type jobListing struct {
	Jobs []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"jobs"`
}

// LoadJobsConfig reads the pipeline configuration from a YAML file.
func LoadJobsConfig(path string) (*JobsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jobs config %q: %w", path, err)
	}
	var cfg JobsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing jobs config %q: %w", path, err)
	}
	return &cfg, nil
}

// RootJob returns the key of the job with no parent, if any.
func (c *JobsConfig) RootJob() (string, bool) {
	keys := make([]string, 0, len(c.Jobs))
	for key := range c.Jobs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if c.Jobs[key].ParentJobKey == nil {
			return key, true
		}
	}
	return "", false
}

// ListJobs returns a name to ID mapping of the project's jobs.
func (c *Client) ListJobs(ctx context.Context, projectID string) (map[string]string, error) {
	var listing jobListing
	endpoint := fmt.Sprintf("projects/%s/jobs", projectID)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &listing); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	jobs := make(map[string]string, len(listing.Jobs))
	for _, job := range listing.Jobs {
		if job.Name != "" && job.ID != "" {
			jobs[job.Name] = job.ID
		}
	}
	return jobs, nil
}

// TriggerJob starts a run of the given job and returns the run ID.
func (c *Client) TriggerJob(ctx context.Context, projectID, jobID string) (string, error) {
	var run JobRun
	endpoint := fmt.Sprintf("projects/%s/jobs/%s/runs", projectID, jobID)
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, &run); err != nil {
		return "", fmt.Errorf("triggering job %q: %w", jobID, err)
	}
	if run.ID == "" {
		return "", fmt.Errorf("no run ID in response for job %q", jobID)
	}
	return run.ID, nil
}

// GetJobRun fetches the current state of a job run.
func (c *Client) GetJobRun(ctx context.Context, projectID, jobID, runID string) (*JobRun, error) {
	var run JobRun
	endpoint := fmt.Sprintf("projects/%s/jobs/%s/runs/%s", projectID, jobID, runID)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &run); err != nil {
		return nil, fmt.Errorf("getting job run %q: %w", runID, err)
	}
	return &run, nil
}

// WaitForJobCompletion polls until the run reaches a terminal status.
//
// # Description
//
// Terminal statuses are "succeeded" (success) and "failed", "stopped",
// "killed" (failure). Polls every 10 seconds; individual poll failures are
// logged and retried until the deadline.
func (c *Client) WaitForJobCompletion(ctx context.Context, projectID, jobID, runID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Hour
	}
	slog.Info("Waiting for job completion", "job_id", jobID, "run_id", runID, "timeout", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	lastStatus := ""
	for {
		run, err := c.GetJobRun(ctx, projectID, jobID, runID)
		if err != nil {
			slog.Warn("Error checking job run status", "run_id", runID, "error", err)
		} else {
			if run.Status != lastStatus {
				slog.Info("Job run status", "run_id", runID, "status", run.Status)
				lastStatus = run.Status
			}
			switch run.Status {
			case "succeeded":
				slog.Info("Job completed successfully", "run_id", runID)
				return nil
			case "failed", "stopped", "killed":
				return fmt.Errorf("job run %q ended with status %q", runID, run.Status)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for job run %q: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RunPipeline triggers the pipeline's root job and waits for it.
//
// # Description
//
// Resolves the root job from the configuration and looks its ID up by name.
// When the configured root job does not exist in the project yet, the first
// configured job that does exist is used instead; this happens on initial
// deployments where later job scripts have not been created. Child jobs
// auto-trigger platform-side when the root succeeds, so only the root is
// waited on.
func (c *Client) RunPipeline(ctx context.Context, projectID string, cfg *JobsConfig) error {
	rootKey, ok := cfg.RootJob()
	if !ok {
		return fmt.Errorf("no root job in configuration")
	}
	rootSpec := cfg.Jobs[rootKey]
	rootName := rootSpec.Name
	if rootName == "" {
		rootName = rootKey
	}

	jobs, err := c.ListJobs(ctx, projectID)
	if err != nil {
		return err
	}

	jobID, found := jobs[rootName]
	if !found {
		slog.Warn("Root job not found, looking for first available job", "name", rootName)

		keys := make([]string, 0, len(cfg.Jobs))
		for key := range cfg.Jobs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			spec := cfg.Jobs[key]
			name := spec.Name
			if name == "" {
				name = key
			}
			if id, exists := jobs[name]; exists {
				rootName, rootSpec, jobID = name, spec, id
				found = true
				slog.Info("Using alternative root job", "name", rootName)
				break
			}
		}
	}
	if !found {
		return fmt.Errorf("no configured jobs exist in project %q", projectID)
	}

	slog.Info("Triggering root job", "name", rootName, "job_id", jobID)
	runID, err := c.TriggerJob(ctx, projectID, jobID)
	if err != nil {
		return err
	}

	return c.WaitForJobCompletion(ctx, projectID, jobID, runID,
		time.Duration(rootSpec.TimeoutSeconds)*time.Second)
}
