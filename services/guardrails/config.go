// Copyright (C) 2025 Cloudera CAI Guardrails contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package guardrails composes the guardrails server: configuration, the
// rails engine client, the local-model check actions, and the HTTP surface.
package guardrails

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudera-cai/guardrails-cai/services/models"
)

// DefaultConfigFile is the config file name looked up when
// GUARDRAILS_CONFIG_FILE is not set.
const DefaultConfigFile = "guardrails_config.yaml"

var validate = validator.New()

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Streaming   bool     `yaml:"streaming" json:"streaming"`
	LogLevel    string   `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// LLMConfig holds the main LLM connection settings forwarded to the rails
// engine.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	APIKey   string `yaml:"api_key" json:"api_key,omitempty"`
	APIBase  string `yaml:"api_base" json:"api_base,omitempty"`
}

// Config is the full guardrails server configuration.
//
// # Description
//
// Loaded from YAML and then overridden from the environment. ConfigPath
// points at the rails configuration directory consumed by the engine;
// LocalModels declares the classification models registered at startup.
// AdditionalConfig is an opaque passthrough for engine options this package
// does not interpret.
type Config struct {
	Server           ServerConfig                 `yaml:"server" json:"server"`
	LLM              LLMConfig                    `yaml:"llm" json:"llm"`
	ConfigPath       string                       `yaml:"config_path" json:"config_path"`
	LocalModels      map[string]models.ModelEntry `yaml:"local_models" json:"local_models" validate:"dive"`
	AdditionalConfig map[string]any               `yaml:"additional_config" json:"additional_config,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			LogLevel:    "info",
			CORSOrigins: []string{"*"},
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		ConfigPath: "./config",
	}
}

// LoadConfig reads and validates the configuration at path.
//
// # Description
//
// A missing file is not an error: defaults are used and a warning logged.
// After parsing, environment overrides are applied and the result is
// validated; validation failures are fatal to the load.
//
// # Inputs
//
//   - path: YAML file path. Empty resolves via ResolveConfigFile.
//
// # Outputs
//
//   - *Config: The effective configuration.
//   - error: Parse or validation failure.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ResolveConfigFile()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("Config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
		slog.Info("Loaded configuration", "path", path)
	}

	cfg.applyEnvOverrides()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolveConfigFile returns the config file path from the environment.
//
// GUARDRAILS_CONFIG_FILE wins when set; otherwise the default file name in
// the working directory.
func ResolveConfigFile() string {
	if p := os.Getenv("GUARDRAILS_CONFIG_FILE"); p != "" {
		return p
	}
	return DefaultConfigFile
}

// applyEnvOverrides maps environment variables onto the parsed config.
//
// CDSW_APP_PORT is set by the CML application runtime and always wins over
// the configured port so the server binds where the platform routes traffic.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_API_BASE"); v != "" {
		c.LLM.APIBase = v
	}
	if v := os.Getenv("GUARDRAILS_CONFIG_PATH"); v != "" {
		c.ConfigPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("CDSW_APP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("Ignoring invalid CDSW_APP_PORT", "value", v)
		} else {
			c.Server.Port = port
		}
	}
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	slog.Info("Saved configuration", "path", path)
	return nil
}

// ToMap returns the configuration as a generic map, the shape handed to the
// rails engine as engine options.
func (c *Config) ToMap() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("remarshaling config: %w", err)
	}
	return out, nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
