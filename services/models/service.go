// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package models provides locally hosted classification model services and
// the registry that manages them.
//
// A ModelService wraps one classification model hosted by an external
// inference runtime (jailbreak detection, toxicity, sentiment, etc.) and is
// consumed by the guardrails check actions and by the standalone model
// server. The Registry is the process-wide catalog of named services; it is
// constructed explicitly at the composition root and injected wherever it is
// needed rather than hidden behind package-level state.
package models

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotLoaded is returned when Predict is called on a service whose model
// has not been loaded (or has been unloaded).
var ErrNotLoaded = errors.New("model is not loaded")

// ErrModelNotFound is returned by registry lookups for names that were never
// registered or have been unregistered.
var ErrModelNotFound = errors.New("model not found in registry")

// UnsupportedTypeError indicates an unknown model service type was requested.
//
// The set of service types is extensible; "huggingface" is currently the only
// concrete implementation. The failure is fatal to the single registration
// that requested the type, never to a bulk load.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported model type: %q", e.Type)
}

// LoadError indicates that model weights or the inference runtime could not
// be acquired for the configured model identifier.
type LoadError struct {
	ModelID string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading model %q: %v", e.ModelID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// =============================================================================
// Configuration and Results
// =============================================================================

// ModelConfig configures one classification model service.
//
// # Description
//
// ModelConfig is immutable after service construction: the service copies it
// and never writes back. Zero values are replaced with defaults by the
// concrete constructors (device "cpu", batch size 1, max length 512,
// threshold 0.5, labels ["safe", "unsafe"]).
//
// # Fields
//
//   - ModelID: model identifier understood by the inference runtime
//     (e.g. "protectai/deberta-v3-base-prompt-injection-v2").
//   - Endpoint: base URL of the classification runtime. Falls back to the
//     MODEL_RUNTIME_URL environment variable when empty.
//   - Device: "cpu", "cuda", or "mps"; forwarded to the runtime.
//   - BatchSize: maximum number of texts sent to the runtime per request.
//   - MaxLength: maximum sequence length; longer inputs are truncated
//     runtime-side.
//   - Threshold: classification threshold in [0, 1] used by the safety
//     determination.
//   - Labels: ordered label names used to map generic LABEL_<n> outputs.
type ModelConfig struct {
	ModelID   string   `yaml:"model_id" json:"model_id" validate:"required"`
	Endpoint  string   `yaml:"endpoint" json:"endpoint,omitempty"`
	Device    string   `yaml:"device" json:"device" validate:"omitempty,oneof=cpu cuda mps"`
	BatchSize int      `yaml:"batch_size" json:"batch_size" validate:"gte=0"`
	MaxLength int      `yaml:"max_length" json:"max_length" validate:"gte=0"`
	Threshold float64  `yaml:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	Labels    []string `yaml:"labels" json:"labels"`
}

// PredictionResult is the verdict for one input text.
//
// IsSafe is derived, never stored: it is false only when the mapped label is
// in the fixed unsafe-label set AND the score exceeds the configured
// threshold. Everything else is considered safe.
type PredictionResult struct {
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
	IsSafe    bool    `json:"is_safe"`
	RawLabel  string  `json:"raw_label"`
	Threshold float64 `json:"threshold"`
}

// ModelHealth reports the health of a single model service.
type ModelHealth struct {
	Service string `json:"service"`
	ModelID string `json:"model_name"`
	Device  string `json:"device"`
	Loaded  bool   `json:"loaded"`
	Status  string `json:"status"`
}

// ModelInfo is the registry listing entry for a single model service.
type ModelInfo struct {
	Type    string `json:"type"`
	Loaded  bool   `json:"loaded"`
	ModelID string `json:"model_name"`
	Device  string `json:"device"`
}

// =============================================================================
// Interface Definition
// =============================================================================

// ModelService is the contract for one locally hosted classification model.
//
// # Description
//
// A service owns at most one loaded model at a time and moves between the
// unloaded and loaded states via Load and Unload. Predict requires the
// loaded state and fails with ErrNotLoaded otherwise. Load is not
// idempotent by contract: calling it twice re-acquires the model.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Predict may run
// concurrently with itself; Load and Unload serialize state transitions.
//
// # Limitations
//
//   - No cancellation or timeout semantics are defined for inference itself
//     beyond the caller-provided context; callers wanting deadlines wrap the
//     context themselves.
type ModelService interface {
	// Load acquires the configured model on the inference runtime.
	// Returns a *LoadError on any acquisition failure.
	Load(ctx context.Context) error

	// Predict classifies a batch of texts, returning one result per input
	// in input order. Inputs are batched internally up to the configured
	// batch size and are never silently dropped.
	Predict(ctx context.Context, texts []string) ([]PredictionResult, error)

	// PredictSingle classifies one text.
	PredictSingle(ctx context.Context, text string) (PredictionResult, error)

	// Unload releases the model. Safe to call on an unloaded service.
	Unload()

	// IsLoaded reports whether the model is currently loaded.
	IsLoaded() bool

	// Health returns the service health snapshot.
	Health() ModelHealth

	// Info returns the registry listing entry for this service.
	Info() ModelInfo
}
