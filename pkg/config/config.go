// Package config loads and validates the datasleuth.yaml configuration:
// global budgets and model settings plus per-tenant data-source and
// lineage bindings. Defaults are merged under user values, environment
// variables are expanded in the raw YAML, and validation fails fast
// with the offending field named.
package config

import (
	"fmt"
	"time"

	"github.com/datasleuth/datasleuth/pkg/breaker"
	"github.com/datasleuth/datasleuth/pkg/contextengine"
	"github.com/datasleuth/datasleuth/pkg/database"
	"github.com/datasleuth/datasleuth/pkg/judge"
	"github.com/datasleuth/datasleuth/pkg/llm"
	"github.com/datasleuth/datasleuth/pkg/orchestrator"
	"github.com/datasleuth/datasleuth/pkg/worker"
)

// Config is the complete datasleuth.yaml structure.
type Config struct {
	Database     database.Config         `yaml:"database"`
	Worker       worker.Config           `yaml:"worker"`
	Orchestrator orchestrator.Config     `yaml:"orchestrator"`
	Breaker      breaker.Config          `yaml:"breaker"`
	LLM          LLMConfig               `yaml:"llm"`
	Judge        JudgeConfig             `yaml:"judge"`
	Context      ContextConfig           `yaml:"context"`
	Tenants      map[string]TenantConfig `yaml:"tenants"`
}

// LLMConfig names the model and its sampling bounds. The API key is
// never stored in the file; APIKeyEnv names the environment variable
// holding it.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int64   `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// JudgeConfig controls the quality judge. Disabled means every
// interpretation is accepted unscored.
type JudgeConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	PassThreshold float64 `yaml:"pass_threshold"`
}

// IsEnabled treats an absent flag as enabled.
func (j JudgeConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// ContextConfig bounds the context engine.
type ContextConfig struct {
	LookbackDays int `yaml:"lookback_days"`
}

// TenantConfig binds one tenant to its data source and lineage
// providers, optionally overriding the global budgets.
type TenantConfig struct {
	DataSource   SourceConfig         `yaml:"datasource"`
	Lineage      []LineageSpec        `yaml:"lineage"`
	Orchestrator *orchestrator.Config `yaml:"orchestrator,omitempty"`
	Breaker      *breaker.Config      `yaml:"breaker,omitempty"`
}

// SourceConfig is the (source_type, config) pair the data-source
// registry resolves into an adapter.
type SourceConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// LineageSpec is one lineage provider binding. Higher priority wins in
// the composite.
type LineageSpec struct {
	Type     string         `yaml:"type"`
	Priority int            `yaml:"priority"`
	Config   map[string]any `yaml:"config"`
}

// Default returns the configuration used when the file names nothing.
func Default() Config {
	return Config{
		Database: database.Config{
			Host:            "localhost",
			Port:            5432,
			User:            "datasleuth",
			Database:        "datasleuth",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Worker:       worker.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Breaker:      breaker.DefaultConfig(),
		LLM: LLMConfig{
			Model:       llm.DefaultModel,
			APIKeyEnv:   "ANTHROPIC_API_KEY",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Judge: JudgeConfig{
			PassThreshold: judge.DefaultPassThreshold,
		},
		Context: ContextConfig{
			LookbackDays: contextengine.DefaultLookbackDays,
		},
	}
}

// Validate fails fast on the first configuration error.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxHypotheses <= 0 {
		return NewValidationError("orchestrator", "", "max_hypotheses", fmt.Errorf("must be positive"))
	}
	if c.Orchestrator.QueryTimeout <= 0 {
		return NewValidationError("orchestrator", "", "query_timeout", fmt.Errorf("must be positive"))
	}
	if c.Orchestrator.HighConfidenceThreshold <= 0 || c.Orchestrator.HighConfidenceThreshold > 1 {
		return NewValidationError("orchestrator", "", "high_confidence_threshold", fmt.Errorf("must be in (0, 1]"))
	}
	if c.Orchestrator.RowLimit <= 0 {
		return NewValidationError("orchestrator", "", "row_limit", fmt.Errorf("must be positive"))
	}
	if err := validateBreaker(c.Breaker); err != nil {
		return err
	}
	if c.LLM.Model == "" {
		return NewValidationError("llm", "", "model", fmt.Errorf("model name required"))
	}
	if c.LLM.APIKeyEnv == "" {
		return NewValidationError("llm", "", "api_key_env", fmt.Errorf("environment variable name required"))
	}
	if c.Judge.PassThreshold <= 0 || c.Judge.PassThreshold > 1 {
		return NewValidationError("judge", "", "pass_threshold", fmt.Errorf("must be in (0, 1]"))
	}
	if c.Context.LookbackDays <= 0 {
		return NewValidationError("context", "", "lookback_days", fmt.Errorf("must be positive"))
	}
	for id, tenant := range c.Tenants {
		if tenant.DataSource.Type == "" {
			return NewValidationError("tenant", id, "datasource.type", fmt.Errorf("source type required"))
		}
		for i, spec := range tenant.Lineage {
			if spec.Type == "" {
				return NewValidationError("tenant", id, fmt.Sprintf("lineage[%d].type", i), fmt.Errorf("provider type required"))
			}
		}
		if tenant.Breaker != nil {
			if err := validateBreaker(*tenant.Breaker); err != nil {
				return fmt.Errorf("tenant %q: %w", id, err)
			}
		}
	}
	return nil
}

func validateBreaker(b breaker.Config) error {
	if b.MaxTotalQueries <= 0 {
		return NewValidationError("breaker", "", "max_total_queries", fmt.Errorf("must be positive"))
	}
	if b.MaxQueriesPerHypothesis <= 0 {
		return NewValidationError("breaker", "", "max_queries_per_hypothesis", fmt.Errorf("must be positive"))
	}
	if b.MaxRetriesPerHypothesis < 0 {
		return NewValidationError("breaker", "", "max_retries_per_hypothesis", fmt.Errorf("must not be negative"))
	}
	if b.MaxConsecutiveFailures <= 0 {
		return NewValidationError("breaker", "", "max_consecutive_failures", fmt.Errorf("must be positive"))
	}
	if b.MaxDuration <= 0 {
		return NewValidationError("breaker", "", "max_duration", fmt.Errorf("must be positive"))
	}
	return nil
}
