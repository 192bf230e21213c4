// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rails provides the client to the guardrails runtime and the action
// registration surface the input checks plug into.
package rails

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultRefusal is returned to the caller when an input check flags the
// user message.
const DefaultRefusal = "I'm sorry, I can't respond to that."

// Message is one turn in a generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ActionFunc is a registered guardrail check.
//
// vars is the request-scoped action context (the user message plus any
// per-request overrides). The boolean is true when the check flags the input
// as unsafe. Checks are expected to fail open: on internal errors they
// return (false, nil) rather than an error, so a broken detector never
// blocks traffic.
type ActionFunc func(ctx context.Context, vars map[string]any) (bool, error)

// Engine generates guarded responses.
//
// # Description
//
// An Engine evaluates every registered input action against the last user
// message before generation. If any action flags the input, generation is
// skipped and the refusal message is returned instead.
type Engine interface {
	// Generate produces a response for the conversation, applying all
	// registered input checks first.
	Generate(ctx context.Context, messages []Message) (string, error)

	// RegisterAction makes a named check available to the engine.
	// Re-registering a name replaces the prior action.
	RegisterAction(name string, fn ActionFunc)

	// Actions returns the registered action names in sorted order.
	Actions() []string
}

// =============================================================================
// HTTP Engine
// =============================================================================

// HTTPEngine talks to an OpenAI-compatible chat endpoint, typically the main
// LLM sitting behind the guardrails deployment.
type HTTPEngine struct {
	client  *openai.Client
	model   string
	refusal string

	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// EngineOptions configures an HTTPEngine.
type EngineOptions struct {
	Model   string
	APIKey  string
	APIBase string
	// Refusal overrides DefaultRefusal when non-empty.
	Refusal string
}

// NewHTTPEngine creates an engine backed by an OpenAI-compatible API.
func NewHTTPEngine(opts EngineOptions) (*HTTPEngine, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("engine model is required")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.APIBase != "" {
		cfg.BaseURL = opts.APIBase
	}

	refusal := opts.Refusal
	if refusal == "" {
		refusal = DefaultRefusal
	}

	slog.Info("Initializing rails engine", "model", opts.Model, "api_base", opts.APIBase)
	return &HTTPEngine{
		client:  openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		refusal: refusal,
		actions: make(map[string]ActionFunc),
	}, nil
}

// RegisterAction makes a named check available to the engine.
func (e *HTTPEngine) RegisterAction(name string, fn ActionFunc) {
	e.mu.Lock()
	e.actions[name] = fn
	e.mu.Unlock()
	slog.Info("Registered guardrail action", "action", name)
}

// Actions returns the registered action names in sorted order.
func (e *HTTPEngine) Actions() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Generate runs the input checks and, if all pass, delegates to the chat
// endpoint.
//
// # Outputs
//
//   - string: The model response, or the refusal message when a check flags
//     the input.
//   - error: Non-nil only for generation failures; check failures never
//     surface here because checks fail open.
func (e *HTTPEngine) Generate(ctx context.Context, messages []Message) (string, error) {
	userMessage := lastUserMessage(messages)

	if userMessage != "" {
		vars := map[string]any{"user_message": userMessage}
		if flagged, action := e.evaluateChecks(ctx, vars); flagged {
			slog.Warn("Input blocked by guardrail", "action", action)
			return e.refusal, nil
		}
	}

	req := openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("Generation failed", "error", err)
		return "", fmt.Errorf("generating response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("engine returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// evaluateChecks runs every registered action in sorted order and reports
// the first one that flags the input.
func (e *HTTPEngine) evaluateChecks(ctx context.Context, vars map[string]any) (bool, string) {
	for _, name := range e.Actions() {
		e.mu.RLock()
		fn := e.actions[name]
		e.mu.RUnlock()

		flagged, err := fn(ctx, vars)
		if err != nil {
			// Checks are contractually fail-open; treat a stray error the
			// same way.
			slog.Error("Guardrail action errored, allowing message", "action", name, "error", err)
			continue
		}
		if flagged {
			return true, name
		}
	}
	return false, ""
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			return messages[i].Content
		}
	}
	return ""
}

var _ Engine = (*HTTPEngine)(nil)
