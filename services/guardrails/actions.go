// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardrails

import (
	"context"
	"log/slog"

	"github.com/cloudera-cai/guardrails-cai/services/guardrails/rails"
	"github.com/cloudera-cai/guardrails-cai/services/models"
)

// Registered action names.
const (
	ActionCheckJailbreak  = "check_jailbreak_local"
	ActionCheckToxicity   = "check_toxicity_local"
	ActionCheckLocalModel = "check_with_local_model"
)

// Default registry names the checks look up when the action context does not
// override them.
const (
	DefaultJailbreakModel = "jailbreak_detector"
	DefaultToxicityModel  = "toxicity_detector"
)

// All three checks fail open: a missing message, a missing model, or a
// prediction failure allows the message through rather than blocking
// traffic. A degraded detector must never take the main LLM down with it.

// NewJailbreakCheck returns the jailbreak input check.
//
// # Description
//
// Reads "user_message" from the action context, resolves the model name from
// the "jailbreak_model" key (default "jailbreak_detector"), and flags the
// message when the model's verdict is unsafe.
func NewJailbreakCheck(registry *models.Registry) rails.ActionFunc {
	return func(ctx context.Context, vars map[string]any) (bool, error) {
		return checkWithModel(ctx, registry, vars, ActionCheckJailbreak,
			modelNameFrom(vars, "jailbreak_model", DefaultJailbreakModel)), nil
	}
}

// NewToxicityCheck returns the toxicity input check. Model name comes from
// the "toxicity_model" key, default "toxicity_detector".
func NewToxicityCheck(registry *models.Registry) rails.ActionFunc {
	return func(ctx context.Context, vars map[string]any) (bool, error) {
		return checkWithModel(ctx, registry, vars, ActionCheckToxicity,
			modelNameFrom(vars, "toxicity_model", DefaultToxicityModel)), nil
	}
}

// NewLocalModelCheck returns the generic input check. The registry model is
// named by the "model_name" key; with no name configured the check passes
// everything.
func NewLocalModelCheck(registry *models.Registry) rails.ActionFunc {
	return func(ctx context.Context, vars map[string]any) (bool, error) {
		name := modelNameFrom(vars, "model_name", "")
		if name == "" {
			slog.Warn("No model_name in action context, allowing message",
				"action", ActionCheckLocalModel)
			return false, nil
		}
		return checkWithModel(ctx, registry, vars, ActionCheckLocalModel, name), nil
	}
}

// checkWithModel runs one registry model against the user message and
// reports whether the message should be blocked. Every failure path returns
// false.
func checkWithModel(ctx context.Context, registry *models.Registry,
	vars map[string]any, action, modelName string) bool {

	message, _ := vars["user_message"].(string)
	if message == "" {
		slog.Warn("No user message in action context, allowing message", "action", action)
		return false
	}

	if _, ok := registry.GetModel(modelName); !ok {
		slog.Warn("Model not registered, allowing message",
			"action", action, "model", modelName)
		return false
	}

	result, err := registry.Predict(ctx, modelName, message)
	if err != nil {
		slog.Error("Prediction failed, allowing message",
			"action", action, "model", modelName, "error", err)
		return false
	}

	if !result.IsSafe {
		slog.Warn("Input flagged",
			"action", action,
			"model", modelName,
			"label", result.Label,
			"score", result.Score,
		)
		return true
	}
	return false
}

func modelNameFrom(vars map[string]any, key, fallback string) string {
	if name, ok := vars[key].(string); ok && name != "" {
		return name
	}
	return fallback
}
