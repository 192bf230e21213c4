// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudera-cai/guardrails-cai/services/models"
	"github.com/cloudera-cai/guardrails-cai/services/modelserver/observability"
)

type predictRequest struct {
	Texts     []string `json:"texts" binding:"required,min=1"`
	ModelName string   `json:"model_name" binding:"required"`
}

type predictResponse struct {
	Predictions []models.PredictionResult `json:"predictions"`
	ModelName   string                    `json:"model_name"`
}

// handleHealth reports aggregate registry health. Status is "healthy" when
// at least one model is registered, "no_models_loaded" otherwise.
func (s *modelServer) handleHealth(c *gin.Context) {
	health := s.registry.Health()

	loaded := 0
	for _, m := range health.Models {
		if m.Loaded {
			loaded++
		}
	}
	s.metrics.RegisteredModels.Set(float64(health.TotalModels))
	s.metrics.LoadedModels.Set(float64(loaded))

	status := "healthy"
	if health.TotalModels == 0 {
		status = "no_models_loaded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"models": health.Models,
	})
}

// handlePredict classifies a batch of texts with a named registry model.
//
// Status mapping: 404 when the model is not registered, 503 when registered
// but not loaded, 500 for any other failure. The client gets a generic
// message for 500s; the full error is logged server-side.
func (s *modelServer) handlePredict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "texts and model_name are required"})
		return
	}

	start := time.Now()

	svc, ok := s.registry.GetModel(req.ModelName)
	if !ok {
		s.metrics.PredictionsTotal.WithLabelValues(req.ModelName, observability.StatusNotFound).Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"error": "model not found: " + req.ModelName,
		})
		return
	}

	predictions, err := svc.Predict(c.Request.Context(), req.Texts)
	if err != nil {
		if errors.Is(err, models.ErrNotLoaded) {
			s.metrics.PredictionsTotal.WithLabelValues(req.ModelName, observability.StatusNotLoaded).Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "model not loaded: " + req.ModelName,
			})
			return
		}
		s.metrics.PredictionsTotal.WithLabelValues(req.ModelName, observability.StatusError).Inc()
		slog.Error("Prediction failed",
			"model", req.ModelName,
			"num_texts", len(req.Texts),
			"request_id", c.GetString("request_id"),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		return
	}

	s.metrics.PredictionsTotal.WithLabelValues(req.ModelName, observability.StatusSuccess).Inc()
	s.metrics.PredictionDurationSeconds.WithLabelValues(req.ModelName).
		Observe(time.Since(start).Seconds())

	c.JSON(http.StatusOK, predictResponse{
		Predictions: predictions,
		ModelName:   req.ModelName,
	})
}

// handleListModels returns the registry listing.
func (s *modelServer) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.registry.ListModels()})
}
