package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	InputTokenBudget      int  `yaml:"input_token_budget"`
	OutputTokenBudget     int  `yaml:"output_token_budget"`
	StreamingEnabled      bool `yaml:"streaming_enabled"`
	SessionTimeoutSeconds int  `yaml:"session_timeout_seconds"`
	MaxGatherFiles        int  `yaml:"max_gather_files"`
	MaxIterations         int  `yaml:"max_iterations"`
	GatherConcurrency     int  `yaml:"gather_concurrency"`
	// TokenCounter selects the budget counter: "estimate" or "tiktoken".
	TokenCounter string `yaml:"token_counter"`

	Backend    BackendConfig    `yaml:"backend"`
	Gather     GatherConfig     `yaml:"gather"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BackendConfig struct {
	Kind  string `yaml:"kind"` // scripted, anthropic, openai
	Model string `yaml:"model"`
	// Capabilities enables optional tools beyond the required set.
	Capabilities []string `yaml:"capabilities,omitempty"`
	// APIKey is never read from the file; the CLI fills it from the
	// environment at startup.
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type GatherConfig struct {
	Include        []string `yaml:"include,omitempty"`
	MaxFileBytes   int64    `yaml:"max_file_bytes"`
	HistoryCommits int      `yaml:"history_commits"`
	TreeDepth      int      `yaml:"tree_depth"`
	WatchWorkspace bool     `yaml:"watch_workspace"`
	RecencyHours   int      `yaml:"recency_hours"`
}

type ScoringConfig struct {
	TaskPattern    float64 `yaml:"task_pattern"`
	NamedInRequest float64 `yaml:"named_in_request"`
	Recent         float64 `yaml:"recent"`
	LargeChunk     int     `yaml:"large_chunk"`
	PenaltyPer     int     `yaml:"penalty_per"`
}

type CheckpointConfig struct {
	Backend string `yaml:"backend"` // file, sqlite
	Dir     string `yaml:"dir,omitempty"`
}

type ToolsConfig struct {
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	// TestCommand overrides test runner detection for run_tests.
	TestCommand string `yaml:"test_command,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		InputTokenBudget:      8000,
		OutputTokenBudget:     4000,
		StreamingEnabled:      true,
		SessionTimeoutSeconds: 120,
		MaxGatherFiles:        50,
		MaxIterations:         20,
		GatherConcurrency:     8,
		TokenCounter:          "estimate",
		Backend: BackendConfig{
			Kind:  "scripted",
			Model: "claude-sonnet-4-5",
		},
		Gather: GatherConfig{
			MaxFileBytes:   100 * 1024,
			HistoryCommits: 10,
			TreeDepth:      3,
			RecencyHours:   24,
		},
		Scoring: ScoringConfig{
			TaskPattern:    300,
			NamedInRequest: 150,
			Recent:         100,
			LargeChunk:     2000,
			PenaltyPer:     50,
		},
		Checkpoint: CheckpointConfig{Backend: "file"},
		Tools:      ToolsConfig{CommandTimeoutSeconds: 60},
		Logging:    LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config on top of DefaultConfig. A missing file is
// not an error. Unknown keys are ignored.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.InputTokenBudget <= 0 {
		return fmt.Errorf("input_token_budget must be positive, got %d", c.InputTokenBudget)
	}
	if c.OutputTokenBudget <= 0 {
		return fmt.Errorf("output_token_budget must be positive, got %d", c.OutputTokenBudget)
	}
	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("session_timeout_seconds must be positive, got %d", c.SessionTimeoutSeconds)
	}
	if c.MaxGatherFiles < 0 {
		return fmt.Errorf("max_gather_files must not be negative, got %d", c.MaxGatherFiles)
	}
	if c.Tools.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("tools.command_timeout_seconds must not be negative, got %d", c.Tools.CommandTimeoutSeconds)
	}
	switch c.TokenCounter {
	case "", "estimate", "tiktoken":
	default:
		return fmt.Errorf("unknown token_counter %q", c.TokenCounter)
	}
	switch c.Backend.Kind {
	case "", "scripted", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	switch c.Checkpoint.Backend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}

func (c Config) TokenBudget() TokenBudget {
	return NewTokenBudget(c.InputTokenBudget, c.OutputTokenBudget)
}
