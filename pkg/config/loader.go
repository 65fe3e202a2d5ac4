package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file Initialize looks for in the config
// directory.
const ConfigFileName = "relay.yaml"

// Initialize loads, merges, and validates configuration from configDir.
//
// Steps performed:
//  1. Read relay.yaml (absent file means pure defaults)
//  2. Expand environment variables in the raw YAML
//  3. Parse YAML into the user config
//  4. Merge defaults into unset fields
//  5. Resolve the master secret from the environment
//  6. Validate everything
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := Config{}
	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("No config file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
		}
	}

	defaults := DefaultConfig()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	cfg.masterSecret = []byte(os.Getenv(cfg.Security.MasterSecretEnv))

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"listen_addr", cfg.Server.ListenAddr,
		"data_dir", cfg.Storage.DataDir,
		"durability", cfg.Storage.Durability)
	return &cfg, nil
}

// validate checks cross-field constraints. All violations are collected so
// the operator sees the whole list at once.
func validate(cfg *Config) error {
	var errs []error
	add := func(field string, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Err: fmt.Errorf(format, args...)})
	}

	switch cfg.Storage.Durability {
	case "flush_per_append", "flush_per_batch", "flush_none":
	default:
		add("storage.durability", "must be flush_per_append, flush_per_batch, or flush_none, got %q", cfg.Storage.Durability)
	}
	if cfg.Storage.SegmentMaxBytes < 4096 {
		add("storage.segment_max_bytes", "must be at least 4096, got %d", cfg.Storage.SegmentMaxBytes)
	}
	switch cfg.Server.LogFormat {
	case "text", "json":
	default:
		add("server.log_format", "must be text or json, got %q", cfg.Server.LogFormat)
	}
	if len(cfg.masterSecret) < 16 {
		add("security.master_secret_env", "environment variable %s must hold at least 16 bytes", cfg.Security.MasterSecretEnv)
	}
	if cfg.Security.CreateRate <= 0 {
		add("security.create_rate", "must be positive")
	}
	if cfg.Security.RespondRate <= 0 {
		add("security.respond_rate", "must be positive")
	}
	if cfg.Security.Burst <= 0 {
		add("security.burst", "must be positive")
	}
	if cfg.Security.TimeoutCap.Std() <= 0 {
		add("security.timeout_cap", "must be positive")
	}
	if cfg.Sessions.MaxSessionsPerAgent <= 0 {
		add("sessions.max_sessions_per_agent", "must be positive")
	}
	if cfg.Fabric.InboxCapacity <= 0 {
		add("fabric.inbox_capacity", "must be positive")
	}
	if cfg.Fabric.MaxWait.Std() <= 0 {
		add("fabric.max_wait", "must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(errs...))
	}
	return nil
}
