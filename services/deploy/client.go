// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package deploy provides the Cloudera AI (CML) REST v2 client used to
// deploy the guardrails stack: applications hosting the servers and the job
// pipeline that prepares the project.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// APIError is a non-2xx response from the CML API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("CML API error (%d): %s", e.StatusCode, body)
}

// Client talks to the CML REST v2 API.
//
// # Description
//
// All requests carry Bearer authentication and JSON bodies. Transient
// failures (network errors, 5xx responses) are retried with exponential
// backoff; 4xx responses fail immediately.
//
// # Thread Safety
//
// Client is safe for concurrent use; it holds no mutable state beyond the
// shared http.Client.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client

	// pollInterval is the status polling cadence for wait operations.
	pollInterval time.Duration
}

// NewClient creates a CML API client for the given host.
//
// # Inputs
//
//   - host: CML instance URL (e.g. "https://ml-xxxx.cloudera.site").
//   - apiKey: CML API v2 key.
func NewClient(host, apiKey string) (*Client, error) {
	if host == "" {
		return nil, fmt.Errorf("CML host is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("CML API key is required")
	}

	return &Client{
		apiURL: strings.TrimSuffix(host, "/") + "/api/v2",
		apiKey: strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 10 * time.Second,
	}, nil
}

// NewClientFromEnv creates a client from the CML environment.
//
// CML_HOST/CML_API_KEY are read first; inside a CML workload the platform
// built-ins CDSW_DOMAIN/CDSW_APIV2_KEY serve as fallback.
func NewClientFromEnv() (*Client, error) {
	host := os.Getenv("CML_HOST")
	if host == "" {
		if domain := os.Getenv("CDSW_DOMAIN"); domain != "" {
			host = "https://" + domain
		}
	}
	apiKey := os.Getenv("CML_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("CDSW_APIV2_KEY")
	}
	return NewClient(host, apiKey)
}

// doJSON performs one API request with retries, decoding the response into
// out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	url := c.apiURL + "/" + strings.TrimPrefix(endpoint, "/")

	operation := func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("marshaling request body: %w", err))
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network errors are retryable.
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("parsing response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		slog.Error("CML API request failed", "method", method, "endpoint", endpoint, "error", err)
		return err
	}
	return nil
}
