// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the model server.
//
// # Description
//
// Metrics cover the prediction path: request counters by model and outcome,
// prediction latency, and gauges for registered and loaded models. Exposed
// via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "guardrails"

const modelsSubsystem = "models"

// Metrics holds the Prometheus metrics for the model server.
//
// # Fields
//
//   - PredictionsTotal: Counter of prediction requests by model and status.
//   - PredictionDurationSeconds: Histogram of end-to-end prediction latency.
//   - RegisteredModels: Gauge of models currently in the registry.
//   - LoadedModels: Gauge of registry models in the loaded state.
type Metrics struct {
	// PredictionsTotal counts prediction requests.
	// Labels: model, status (success, not_found, not_loaded, error)
	PredictionsTotal *prometheus.CounterVec

	// PredictionDurationSeconds measures prediction latency.
	// Labels: model
	PredictionDurationSeconds *prometheus.HistogramVec

	// RegisteredModels tracks how many models the registry holds.
	RegisteredModels prometheus.Gauge

	// LoadedModels tracks how many registry models are loaded.
	LoadedModels prometheus.Gauge
}

// Prediction outcome labels.
const (
	StatusSuccess   = "success"
	StatusNotFound  = "not_found"
	StatusNotLoaded = "not_loaded"
	StatusError     = "error"
)

// NewMetrics creates and registers the model server metrics.
//
// Registration happens against the given registerer so each server instance
// owns its metrics; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "predictions_total",
				Help:      "Total prediction requests by model and status",
			},
			[]string{"model", "status"},
		),

		PredictionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "prediction_duration_seconds",
				Help:      "End-to-end prediction latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"model"},
		),

		RegisteredModels: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "registered_models",
				Help:      "Number of models currently registered",
			},
		),

		LoadedModels: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: modelsSubsystem,
				Name:      "loaded_models",
				Help:      "Number of registered models in the loaded state",
			},
		),
	}
}
