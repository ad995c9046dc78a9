package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges, and validates the configuration file.
// A missing file is not an error: the defaults are returned, so a
// zero-config single-tenant setup still starts.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("Configuration file not found, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		var fileCfg Config
		if err := yaml.Unmarshal(ExpandEnv(raw), &fileCfg); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("merging defaults: %w", err))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"tenants", len(cfg.Tenants),
		"model", cfg.LLM.Model,
		"judge_enabled", cfg.Judge.IsEnabled())
	return &cfg, nil
}
