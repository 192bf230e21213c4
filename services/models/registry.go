// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package models

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// =============================================================================
// Model Registry
// =============================================================================

// Registry is the process-wide catalog of named model services.
//
// # Description
//
// Registry maps unique model names to ModelService instances so that
// different guardrail checks can use different models (jailbreak detection,
// toxicity, custom checks). It is a constructed, injectable instance: the
// composition root creates exactly one Registry per process and passes it to
// the guardrails server, the check actions, and the model server. There is
// no package-level singleton.
//
// Entries are created by RegisterModel and removed by UnregisterModel or
// UnregisterAll. Nothing is persisted; the registry is rebuilt on process
// start.
//
// # Thread Safety
//
// Registry is safe for concurrent use. The underlying map is guarded by a
// single RWMutex; reads (GetModel, ListModels, Health, Predict lookups) take
// the read lock, mutations take the write lock.
//
// # Example
//
//	registry := models.NewRegistry()
//	_, err := registry.RegisterModel(ctx, "jailbreak_detector", "huggingface", cfg, true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := registry.Predict(ctx, "jailbreak_detector", userMessage)
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelService
}

// ModelEntry is one named model definition in a bulk-load configuration.
//
// Type and AutoLoad steer registration and are consumed before service
// construction; the remaining fields are the ModelConfig handed to the
// concrete service.
type ModelEntry struct {
	Type     string      `yaml:"type" json:"type"`
	AutoLoad *bool       `yaml:"auto_load" json:"auto_load,omitempty"`
	Config   ModelConfig `yaml:",inline" json:"config"`
}

// RegistryHealth is the aggregate health snapshot of all registered models.
type RegistryHealth struct {
	TotalModels int                    `json:"total_models"`
	Models      map[string]ModelHealth `json:"models"`
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]ModelService),
	}
}

// RegisterModel constructs and registers a new model service.
//
// # Description
//
// Creates a service of the given type and stores it under the given name.
// When autoLoad is true the model is loaded before registration; a load
// failure propagates and the name does NOT appear in the registry
// afterwards. Re-registering an existing name replaces the prior entry; the
// prior service is unloaded before being dropped so replaced models do not
// leak runtime memory.
//
// # Inputs
//
//   - ctx: Context for the optional auto-load.
//   - name: Unique registry name (e.g. "jailbreak_detector").
//   - modelType: Service type; "huggingface" is the only concrete type.
//   - cfg: Model configuration for the new service.
//   - autoLoad: Whether to load the model immediately.
//
// # Outputs
//
//   - ModelService: The registered service.
//   - error: *UnsupportedTypeError for unknown types, *LoadError when
//     auto-load fails, or a construction error.
func (r *Registry) RegisterModel(ctx context.Context, name, modelType string,
	cfg ModelConfig, autoLoad bool) (ModelService, error) {

	slog.Info("Registering model", "name", name, "type", modelType)

	var svc ModelService
	switch modelType {
	case "huggingface":
		hf, err := NewHFClassifierService(cfg)
		if err != nil {
			return nil, fmt.Errorf("constructing service for %q: %w", name, err)
		}
		svc = hf
	default:
		return nil, &UnsupportedTypeError{Type: modelType}
	}

	if autoLoad {
		if err := svc.Load(ctx); err != nil {
			slog.Error("Failed to load model", "name", name, "error", err)
			return nil, err
		}
	}

	r.mu.Lock()
	if prior, exists := r.models[name]; exists {
		// Release the replaced service's model before dropping the entry.
		prior.Unload()
		slog.Warn("Replaced existing registry entry", "name", name)
	}
	r.models[name] = svc
	r.mu.Unlock()

	slog.Info("Model registered successfully", "name", name, "loaded", svc.IsLoaded())
	return svc, nil
}

// GetModel returns the service registered under name, if any.
func (r *Registry) GetModel(name string) (ModelService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.models[name]
	return svc, ok
}

// ListModels returns a listing of all registered models.
func (r *Registry) ListModels() map[string]ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	listing := make(map[string]ModelInfo, len(r.models))
	for name, svc := range r.models {
		listing[name] = svc.Info()
	}
	return listing
}

// UnregisterModel unloads and removes the named model.
//
// Returns true if the model was present, false otherwise. Calling it again
// for the same name is a no-op, not an error.
func (r *Registry) UnregisterModel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.models[name]
	if !ok {
		slog.Warn("Model not found in registry", "name", name)
		return false
	}
	svc.Unload()
	delete(r.models, name)
	slog.Info("Model unregistered", "name", name)
	return true
}

// UnregisterAll unloads and removes every registered model.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.UnregisterModel(name)
	}
	slog.Info("All models unregistered")
}

// Health returns the aggregate health of all registered models.
func (r *Registry) Health() RegistryHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := RegistryHealth{
		TotalModels: len(r.models),
		Models:      make(map[string]ModelHealth, len(r.models)),
	}
	for name, svc := range r.models {
		health.Models[name] = svc.Health()
	}
	return health
}

// Predict runs a single-text prediction with the named model.
//
// # Outputs
//
//   - PredictionResult: The verdict for the text.
//   - error: ErrModelNotFound if the name is unregistered, ErrNotLoaded if
//     the service exists but its model is not loaded, or the prediction
//     failure itself.
func (r *Registry) Predict(ctx context.Context, name, text string) (PredictionResult, error) {
	svc, ok := r.GetModel(name)
	if !ok {
		return PredictionResult{}, fmt.Errorf("model %q: %w", name, ErrModelNotFound)
	}
	if !svc.IsLoaded() {
		return PredictionResult{}, fmt.Errorf("model %q: %w", name, ErrNotLoaded)
	}
	return svc.PredictSingle(ctx, text)
}

// LoadFromConfig registers multiple models from a name→entry mapping.
//
// # Description
//
// Best-effort bulk load: entries are processed in name order and a failure
// on one entry is logged and skipped, never fatal to the batch. Partial
// success is expected and observable via ListModels and Health. AutoLoad
// defaults to true when unset.
func (r *Registry) LoadFromConfig(ctx context.Context, entries map[string]ModelEntry) {
	if len(entries) == 0 {
		slog.Warn("No models configured")
		return
	}

	slog.Info("Loading models from configuration", "count", len(entries))

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := entries[name]

		modelType := entry.Type
		if modelType == "" {
			modelType = "huggingface"
		}
		autoLoad := true
		if entry.AutoLoad != nil {
			autoLoad = *entry.AutoLoad
		}

		if _, err := r.RegisterModel(ctx, name, modelType, entry.Config, autoLoad); err != nil {
			slog.Error("Failed to load model, skipping", "name", name, "error", err)
			continue
		}
	}

	r.mu.RLock()
	loaded := len(r.models)
	r.mu.RUnlock()
	slog.Info("Finished loading models from configuration", "registered", loaded)
}
