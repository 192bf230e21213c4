// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Runtime
// =============================================================================

// fakeRuntime serves the classification runtime wire protocol. Each input is
// answered with the label and score returned by the respond function.
func fakeRuntime(t *testing.T, respond func(input string) (string, float64)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req runtimePredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp runtimePredictResponse
		for _, input := range req.Inputs {
			label, score := respond(input)
			resp.Predictions = append(resp.Predictions, struct {
				Label string  `json:"label"`
				Score float64 `json:"score"`
			}{Label: label, Score: score})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestService(t *testing.T, runtimeURL string, cfg ModelConfig) *HFClassifierService {
	t.Helper()
	if cfg.ModelID == "" {
		cfg.ModelID = "test-org/test-classifier"
	}
	cfg.Endpoint = runtimeURL
	svc, err := NewHFClassifierService(cfg)
	require.NoError(t, err)
	return svc
}

// =============================================================================
// Construction
// =============================================================================

func TestNewHFClassifierService_RequiresModelID(t *testing.T) {
	_, err := NewHFClassifierService(ModelConfig{Endpoint: "http://localhost:9"})
	require.Error(t, err)
}

func TestNewHFClassifierService_RequiresEndpoint(t *testing.T) {
	t.Setenv("MODEL_RUNTIME_URL", "")
	_, err := NewHFClassifierService(ModelConfig{ModelID: "some/model"})
	require.Error(t, err)
}

func TestNewHFClassifierService_EndpointFromEnv(t *testing.T) {
	t.Setenv("MODEL_RUNTIME_URL", "http://runtime:8082/")
	svc, err := NewHFClassifierService(ModelConfig{ModelID: "some/model"})
	require.NoError(t, err)
	assert.Equal(t, "http://runtime:8082", svc.baseURL)
}

// =============================================================================
// Load / Unload
// =============================================================================

func TestLoad_MarksServiceLoaded(t *testing.T) {
	rt := fakeRuntime(t, func(string) (string, float64) { return "LABEL_0", 0.99 })
	defer rt.Close()

	svc := newTestService(t, rt.URL, ModelConfig{})
	assert.False(t, svc.IsLoaded())

	require.NoError(t, svc.Load(context.Background()))
	assert.True(t, svc.IsLoaded())

	svc.Unload()
	assert.False(t, svc.IsLoaded())
}

func TestLoad_RuntimeFailureReturnsLoadError(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not available", http.StatusInternalServerError)
	}))
	defer rt.Close()

	svc := newTestService(t, rt.URL, ModelConfig{})
	err := svc.Load(context.Background())
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "test-org/test-classifier", loadErr.ModelID)
	assert.False(t, svc.IsLoaded())
}

func TestPredict_BeforeLoadFails(t *testing.T) {
	rt := fakeRuntime(t, func(string) (string, float64) { return "LABEL_0", 0.9 })
	defer rt.Close()

	svc := newTestService(t, rt.URL, ModelConfig{})
	_, err := svc.Predict(context.Background(), []string{"hello"})
	require.ErrorIs(t, err, ErrNotLoaded)
}

// =============================================================================
// Label Mapping and Safety
// =============================================================================

func TestPredict_MapsGenericLabelsAndAppliesThreshold(t *testing.T) {
	tests := []struct {
		name      string
		rawLabel  string
		score     float64
		threshold float64
		wantLabel string
		wantSafe  bool
	}{
		{"unsafe above threshold", "LABEL_1", 0.9, 0.5, "unsafe", false},
		{"unsafe below threshold", "LABEL_1", 0.3, 0.5, "unsafe", true},
		{"safe label high score", "LABEL_0", 0.99, 0.5, "safe", true},
		{"meaningful label passes through", "TOXIC", 0.95, 0.5, "toxic", false},
		{"unknown index lower-cased", "LABEL_7", 0.9, 0.5, "label_7", true},
		{"benign meaningful label", "neutral", 0.9, 0.5, "neutral", true},
		{"score equal to threshold is safe", "LABEL_1", 0.5, 0.5, "unsafe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := fakeRuntime(t, func(string) (string, float64) { return tt.rawLabel, tt.score })
			defer rt.Close()

			svc := newTestService(t, rt.URL, ModelConfig{
				Threshold: tt.threshold,
				Labels:    []string{"safe", "unsafe"},
			})
			require.NoError(t, svc.Load(context.Background()))

			result, err := svc.PredictSingle(context.Background(), "some input")
			require.NoError(t, err)

			assert.Equal(t, tt.wantLabel, result.Label)
			assert.Equal(t, tt.rawLabel, result.RawLabel)
			assert.Equal(t, tt.wantSafe, result.IsSafe)
			assert.Equal(t, tt.threshold, result.Threshold)
		})
	}
}

func TestPredict_PreservesOrderAcrossBatches(t *testing.T) {
	// Echo a distinct label per input so ordering mistakes are visible.
	rt := fakeRuntime(t, func(input string) (string, float64) { return input, 0.5 })
	defer rt.Close()

	svc := newTestService(t, rt.URL, ModelConfig{BatchSize: 2})
	require.NoError(t, svc.Load(context.Background()))

	inputs := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	results, err := svc.Predict(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, results, len(inputs))

	for i, input := range inputs {
		assert.Equal(t, input, results[i].RawLabel)
	}
}

func TestPredict_MismatchedRuntimeResponseFails(t *testing.T) {
	rt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always answer with a single prediction regardless of input count.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]any{{"label": "safe", "score": 0.9}},
		})
	}))
	defer rt.Close()

	svc := newTestService(t, rt.URL, ModelConfig{BatchSize: 8})
	require.NoError(t, svc.Load(context.Background()))

	_, err := svc.Predict(context.Background(), []string{"one", "two", "three"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predictions")
}

// =============================================================================
// Health
// =============================================================================

func TestHealth_ReflectsLoadedState(t *testing.T) {
	rt := fakeRuntime(t, func(string) (string, float64) { return "LABEL_0", 0.9 })
	defer rt.Close()

	svc := newTestService(t, rt.URL, ModelConfig{Device: "cuda"})

	h := svc.Health()
	assert.Equal(t, "not_loaded", h.Status)
	assert.Equal(t, "cuda", h.Device)

	require.NoError(t, svc.Load(context.Background()))
	h = svc.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.Loaded)
}

func TestLoadError_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := &LoadError{ModelID: "m", Err: cause}
	assert.ErrorIs(t, err, cause)
}
