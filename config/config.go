// Package config loads the mnemod daemon configuration.
//
// Configuration comes from a YAML file merged over built-in defaults, with a
// small number of environment variable overrides for secrets and host
// addresses. Merging uses mergo so partial config files only override the
// fields they mention.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// EmbeddingConfig selects an embedding provider for one store. The episodic
// store and the semantic graph are configured independently; they need not
// share a provider, model, or vector dimension.
type EmbeddingConfig struct {
	Provider string `yaml:"provider,omitempty"` // "ollama" or "openai"
	Model    string `yaml:"model,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"` // openai-compatible endpoints only
}

// OracleConfig configures the knowledge extraction oracle.
type OracleConfig struct {
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// SummarizerConfig configures the cheaper model used for transcript compaction.
type SummarizerConfig struct {
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// ConsolidationConfig tunes the per-turn consolidation pass.
type ConsolidationConfig struct {
	Workers            int `yaml:"workers,omitempty"`              // worker pool size
	QueueDepth         int `yaml:"queue_depth,omitempty"`          // bounded job queue
	CompactEveryTurns  int `yaml:"compact_every_turns,omitempty"`  // un-summarized turn threshold
	CompactAfterChars  int `yaml:"compact_after_chars,omitempty"`  // un-summarized char threshold
	CompactWindowTurns int `yaml:"compact_window_turns,omitempty"` // turns covered per summary
}

// ThresholdConfig names the similarity cutoffs used by the semantic graph.
// The two values are distinct, hand-tuned constants: resolution demands a
// near-duplicate before merging entities, retrieval casts a much wider net.
// No unifying derivation exists; they are tuned separately.
type ThresholdConfig struct {
	EntityResolve  float64 `yaml:"entity_resolve,omitempty"`  // getOrCreate merge cutoff
	EntityRetrieve float64 `yaml:"entity_retrieve,omitempty"` // knowledge retrieval cutoff
}

// SweepConfig schedules the background cleanup sweeps.
type SweepConfig struct {
	EpisodicCron       string  `yaml:"episodic_cron,omitempty"`      // decay deletion schedule
	EpisodicThreshold  float64 `yaml:"episodic_threshold,omitempty"` // effective-importance cutoff
	WorldModelCron     string  `yaml:"world_model_cron,omitempty"`   // TTL purge schedule
	DisableSweeps      bool    `yaml:"disable_sweeps,omitempty"`
	ThoughtDefaultTTLh float64 `yaml:"thought_default_ttl_hours,omitempty"`
}

// Config is the root daemon configuration.
type Config struct {
	Listen string `yaml:"listen,omitempty"` // HTTP listen address
	DBPath string `yaml:"db_path,omitempty"`

	AnthropicAPIKey string `yaml:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string `yaml:"openai_api_key,omitempty"`

	EpisodicEmbedding EmbeddingConfig     `yaml:"episodic_embedding,omitempty"`
	SemanticEmbedding EmbeddingConfig     `yaml:"semantic_embedding,omitempty"`
	Oracle            OracleConfig        `yaml:"oracle,omitempty"`
	Summarizer        SummarizerConfig    `yaml:"summarizer,omitempty"`
	Consolidation     ConsolidationConfig `yaml:"consolidation,omitempty"`
	Thresholds        ThresholdConfig     `yaml:"thresholds,omitempty"`
	Sweeps            SweepConfig         `yaml:"sweeps,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen: "localhost:7410",
		DBPath: "mnemod.db",
		EpisodicEmbedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "mxbai-embed-large",
		},
		SemanticEmbedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "mxbai-embed-large",
		},
		Oracle: OracleConfig{
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 1024,
		},
		Summarizer: SummarizerConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 256,
		},
		Consolidation: ConsolidationConfig{
			Workers:            3,
			QueueDepth:         32,
			CompactEveryTurns:  10,
			CompactAfterChars:  8000,
			CompactWindowTurns: 10,
		},
		Thresholds: ThresholdConfig{
			EntityResolve:  0.9,
			EntityRetrieve: 0.4,
		},
		Sweeps: SweepConfig{
			EpisodicCron:       "@hourly",
			EpisodicThreshold:  0.05,
			WorldModelCron:     "@hourly",
			ThoughtDefaultTTLh: 72,
		},
	}
}

// GetConfigPath returns the config file path, honoring MNEMO_CONFIG_PATH.
func GetConfigPath() string {
	if envPath := os.Getenv("MNEMO_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.mnemod/config.yaml"
	}
	return filepath.Join(homeDir, ".mnemod", "config.yaml")
}

// Load reads the config file at path (if it exists) and merges it over the
// defaults. A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(expandPath(path)) //nolint:gosec // G304: user-specified config path
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// File values take precedence over defaults.
	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func Save(cfg *Config, path string) error {
	expanded := expandPath(path)
	if err := os.MkdirAll(filepath.Dir(expanded), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("MNEMO_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("MNEMO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
