// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("guardrails.models")

// unsafeLabels is the fixed set of mapped labels that indicate unsafe
// content. A prediction is unsafe only when its mapped label is in this set
// and its score exceeds the configured threshold.
var unsafeLabels = map[string]struct{}{
	"unsafe":    {},
	"toxic":     {},
	"jailbreak": {},
	"harmful":   {},
	"negative":  {},
	"attack":    {},
	"malicious": {},
}

// =============================================================================
// HuggingFace Classifier Service
// =============================================================================

// HFClassifierService hosts one HuggingFace text-classification model via an
// external inference runtime.
//
// # Description
//
// The service is an HTTP client to a classification runtime (one runtime can
// serve several models). Load warms the configured model on the runtime so
// the first real prediction does not pay cold-start latency; Predict sends
// texts in batches of the configured batch size and maps the runtime's raw
// labels through the configured label list.
//
// Supported models include BERT-style sequence classifiers: jailbreak and
// prompt-injection detectors, toxicity models such as unitary/toxic-bert,
// and custom fine-tuned classifiers.
//
// # Thread Safety
//
// HFClassifierService is safe for concurrent use. Load and Unload serialize
// via an internal mutex; Predict takes a consistent view of the loaded flag.
type HFClassifierService struct {
	cfg        ModelConfig
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	loaded bool
}

// runtimePredictRequest is the wire request to the classification runtime.
type runtimePredictRequest struct {
	Model     string   `json:"model"`
	Inputs    []string `json:"inputs"`
	Device    string   `json:"device,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
}

// runtimePredictResponse is the wire response: the top prediction per input,
// in input order.
type runtimePredictResponse struct {
	Predictions []struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"predictions"`
}

// NewHFClassifierService creates a classifier service for the given config.
//
// # Description
//
// Applies defaults for zero-valued config fields and resolves the runtime
// base URL from cfg.Endpoint, falling back to the MODEL_RUNTIME_URL
// environment variable. The model is not loaded until Load is called.
//
// # Inputs
//
//   - cfg: Model configuration. ModelID is required.
//
// # Outputs
//
//   - *HFClassifierService: Service in the unloaded state.
//   - error: Non-nil if ModelID is empty or no runtime endpoint is
//     available.
func NewHFClassifierService(cfg ModelConfig) (*HFClassifierService, error) {
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("model_id is required")
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 512
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = []string{"safe", "unsafe"}
	}

	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = os.Getenv("MODEL_RUNTIME_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no runtime endpoint configured and MODEL_RUNTIME_URL not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	slog.Info("Initializing HFClassifierService",
		"model_id", cfg.ModelID,
		"device", cfg.Device,
		"threshold", cfg.Threshold,
		"endpoint", baseURL,
	)

	return &HFClassifierService{
		cfg:     cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for model loading
		},
	}, nil
}

// Load warms the configured model on the inference runtime.
//
// # Description
//
// Sends a minimal classification request so the runtime pulls the model
// weights and tokenizer into memory. On success the service enters the
// loaded state. Calling Load on an already loaded service re-warms the
// model.
//
// # Outputs
//
//   - error: *LoadError wrapping the cause if the runtime is unreachable or
//     rejects the model.
func (s *HFClassifierService) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "HFClassifierService.Load",
		trace.WithAttributes(attribute.String("model.id", s.cfg.ModelID)))
	defer span.End()

	start := time.Now()
	slog.Info("Loading model", "model_id", s.cfg.ModelID, "device", s.cfg.Device)

	if _, err := s.classify(ctx, []string{"ping"}); err != nil {
		slog.Error("Failed to load model", "model_id", s.cfg.ModelID, "error", err)
		return &LoadError{ModelID: s.cfg.ModelID, Err: err}
	}

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()

	slog.Info("Model loaded successfully",
		"model_id", s.cfg.ModelID,
		"load_duration", time.Since(start),
	)
	return nil
}

// Predict classifies a batch of texts.
//
// # Description
//
// Requires the loaded state. Texts are sent to the runtime in chunks of the
// configured batch size; results are returned one per input, in input
// order. Raw labels of the generic LABEL_<n> form are mapped by positional
// index into the configured label list; anything else is lower-cased and
// used verbatim.
//
// # Outputs
//
//   - []PredictionResult: One result per input text.
//   - error: ErrNotLoaded if Load has not succeeded, or the runtime failure.
func (s *HFClassifierService) Predict(ctx context.Context, texts []string) ([]PredictionResult, error) {
	if !s.IsLoaded() {
		return nil, fmt.Errorf("model %q: %w", s.cfg.ModelID, ErrNotLoaded)
	}

	ctx, span := tracer.Start(ctx, "HFClassifierService.Predict",
		trace.WithAttributes(
			attribute.String("model.id", s.cfg.ModelID),
			attribute.Int("model.num_texts", len(texts)),
		))
	defer span.End()

	results := make([]PredictionResult, 0, len(texts))
	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		raw, err := s.classify(ctx, chunk)
		if err != nil {
			slog.Error("Prediction failed", "model_id", s.cfg.ModelID, "error", err)
			return nil, fmt.Errorf("predicting with model %q: %w", s.cfg.ModelID, err)
		}
		if len(raw.Predictions) != len(chunk) {
			return nil, fmt.Errorf("runtime returned %d predictions for %d inputs",
				len(raw.Predictions), len(chunk))
		}

		for _, p := range raw.Predictions {
			label := s.mapLabel(p.Label)
			results = append(results, PredictionResult{
				Label:     label,
				Score:     p.Score,
				IsSafe:    determineSafety(label, p.Score, s.cfg.Threshold),
				RawLabel:  p.Label,
				Threshold: s.cfg.Threshold,
			})
		}
	}

	return results, nil
}

// PredictSingle classifies one text.
func (s *HFClassifierService) PredictSingle(ctx context.Context, text string) (PredictionResult, error) {
	results, err := s.Predict(ctx, []string{text})
	if err != nil {
		return PredictionResult{}, err
	}
	return results[0], nil
}

// Unload releases the model. The runtime may keep weights cached; the
// service simply leaves the loaded state so Predict refuses to run.
func (s *HFClassifierService) Unload() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	slog.Info("Unloaded model", "model_id", s.cfg.ModelID)
}

// IsLoaded reports whether the model is currently loaded.
func (s *HFClassifierService) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Health returns the service health snapshot.
func (s *HFClassifierService) Health() ModelHealth {
	loaded := s.IsLoaded()
	status := "healthy"
	if !loaded {
		status = "not_loaded"
	}
	return ModelHealth{
		Service: "HFClassifierService",
		ModelID: s.cfg.ModelID,
		Device:  s.cfg.Device,
		Loaded:  loaded,
		Status:  status,
	}
}

// Info returns the registry listing entry for this service.
func (s *HFClassifierService) Info() ModelInfo {
	return ModelInfo{
		Type:    "HFClassifierService",
		Loaded:  s.IsLoaded(),
		ModelID: s.cfg.ModelID,
		Device:  s.cfg.Device,
	}
}

// classify sends one batch to the runtime's /predict endpoint.
func (s *HFClassifierService) classify(ctx context.Context, texts []string) (*runtimePredictResponse, error) {
	payload := runtimePredictRequest{
		Model:     s.cfg.ModelID,
		Inputs:    texts,
		Device:    s.cfg.Device,
		MaxLength: s.cfg.MaxLength,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling predict request: %w", err)
	}

	predictURL := s.baseURL + "/predict"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, predictURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating predict request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending predict request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading runtime response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out runtimePredictResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parsing runtime response: %w", err)
	}
	return &out, nil
}

// mapLabel maps a raw classifier label to a meaningful name.
//
// Generic placeholder labels of the form LABEL_<n> are mapped by positional
// index into the configured label list. Anything else (including LABEL_<n>
// with an out-of-range index) is lower-cased and returned verbatim.
func (s *HFClassifierService) mapLabel(raw string) string {
	if rest, ok := strings.CutPrefix(raw, "LABEL_"); ok {
		if idx, err := strconv.Atoi(rest); err == nil && idx >= 0 && idx < len(s.cfg.Labels) {
			return s.cfg.Labels[idx]
		}
	}
	return strings.ToLower(raw)
}

// determineSafety applies the fixed unsafe-label set and threshold.
func determineSafety(label string, score, threshold float64) bool {
	if _, unsafe := unsafeLabels[strings.ToLower(label)]; unsafe && score > threshold {
		return false
	}
	return true
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ ModelService = (*HFClassifierService)(nil)
