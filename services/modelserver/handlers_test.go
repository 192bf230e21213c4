// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudera-cai/guardrails-cai/services/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRuntime answers every classification input with the given label and
// score. The failing flag switches it to returning 500s.
func fakeRuntime(t *testing.T, label string, score float64, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing != nil && failing.Load() {
			http.Error(w, "runtime exploded", http.StatusInternalServerError)
			return
		}
		var req struct {
			Inputs []string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		preds := make([]map[string]any, len(req.Inputs))
		for i := range req.Inputs {
			preds[i] = map[string]any{"label": label, "score": score}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"predictions": preds})
	}))
}

func newServerWithModel(t *testing.T, cfg Config, name, endpoint string, autoLoad bool) (Service, *models.Registry) {
	t.Helper()
	registry := models.NewRegistry()
	if name != "" {
		_, err := registry.RegisterModel(context.Background(), name, "huggingface",
			models.ModelConfig{ModelID: "test/classifier", Endpoint: endpoint}, autoLoad)
		require.NoError(t, err)
	}
	svc, err := New(cfg, registry)
	require.NoError(t, err)
	return svc, registry
}

func doJSON(t *testing.T, svc Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestHealth_NoModels(t *testing.T) {
	svc, _ := newServerWithModel(t, Config{}, "", "", false)

	w := doJSON(t, svc, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "no_models_loaded", resp["status"])
}

func TestHealth_WithModel(t *testing.T) {
	rt := fakeRuntime(t, "safe", 0.9, nil)
	defer rt.Close()

	svc, _ := newServerWithModel(t, Config{}, "toxicity_detector", rt.URL, true)

	w := doJSON(t, svc, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string                        `json:"status"`
		Models map[string]models.ModelHealth `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Contains(t, resp.Models, "toxicity_detector")
	assert.True(t, resp.Models["toxicity_detector"].Loaded)
}

func TestPredict_Success(t *testing.T) {
	rt := fakeRuntime(t, "toxic", 0.95, nil)
	defer rt.Close()

	svc, _ := newServerWithModel(t, Config{}, "toxicity_detector", rt.URL, true)

	w := doJSON(t, svc, http.MethodPost, "/predict",
		`{"texts": ["you are terrible", "have a nice day"], "model_name": "toxicity_detector"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp predictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "toxicity_detector", resp.ModelName)
	require.Len(t, resp.Predictions, 2)
	assert.Equal(t, "toxic", resp.Predictions[0].Label)
	assert.False(t, resp.Predictions[0].IsSafe)
}

func TestPredict_UnknownModelIs404(t *testing.T) {
	svc, _ := newServerWithModel(t, Config{}, "", "", false)

	w := doJSON(t, svc, http.MethodPost, "/predict",
		`{"texts": ["hello"], "model_name": "missing_model"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "missing_model")
}

func TestPredict_NotLoadedIs503(t *testing.T) {
	rt := fakeRuntime(t, "safe", 0.9, nil)
	defer rt.Close()

	svc, _ := newServerWithModel(t, Config{}, "cold_model", rt.URL, false)

	w := doJSON(t, svc, http.MethodPost, "/predict",
		`{"texts": ["hello"], "model_name": "cold_model"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPredict_RuntimeFailureIs500(t *testing.T) {
	var failing atomic.Bool
	rt := fakeRuntime(t, "safe", 0.9, &failing)
	defer rt.Close()

	svc, _ := newServerWithModel(t, Config{}, "flaky_model", rt.URL, true)
	failing.Store(true)

	w := doJSON(t, svc, http.MethodPost, "/predict",
		`{"texts": ["hello"], "model_name": "flaky_model"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "runtime exploded",
		"internal detail must not leak to the client")
}

func TestPredict_MissingFieldsIs400(t *testing.T) {
	svc, _ := newServerWithModel(t, Config{}, "", "", false)

	for _, body := range []string{
		`{}`,
		`{"texts": [], "model_name": "m"}`,
		`{"texts": ["hello"]}`,
		`{"model_name": "m"}`,
	} {
		w := doJSON(t, svc, http.MethodPost, "/predict", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
}

func TestListModels(t *testing.T) {
	rt := fakeRuntime(t, "safe", 0.9, nil)
	defer rt.Close()

	svc, _ := newServerWithModel(t, Config{}, "jailbreak_detector", rt.URL, true)

	w := doJSON(t, svc, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Models map[string]models.ModelInfo `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.Models, "jailbreak_detector")
	assert.True(t, resp.Models["jailbreak_detector"].Loaded)
}

func TestRequestIDMiddleware(t *testing.T) {
	svc, _ := newServerWithModel(t, Config{}, "", "", false)

	w := doJSON(t, svc, http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied-id")
	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, "caller-supplied-id", w.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	svc, _ := newServerWithModel(t, Config{}, "", "", false)

	// Health touches the model gauges.
	doJSON(t, svc, http.MethodGet, "/health", "")

	w := doJSON(t, svc, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guardrails_models_registered_models")
}

func TestRateLimit(t *testing.T) {
	rt := fakeRuntime(t, "safe", 0.9, nil)
	defer rt.Close()

	svc, _ := newServerWithModel(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1},
		"detector", rt.URL, true)

	body := `{"texts": ["hello"], "model_name": "detector"}`
	w := doJSON(t, svc, http.MethodPost, "/predict", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, svc, http.MethodPost, "/predict", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
