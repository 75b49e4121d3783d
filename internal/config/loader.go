package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
// The file format is chosen by extension: .json, .yaml/.yml or .toml.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.agentgrid/config.yaml
// Project: .agentgrid/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".agentgrid", "config.yaml")
	projectPath := filepath.Join(".agentgrid", "config.yaml")

	return Load(globalPath, projectPath)
}

// decode parses data according to the file extension of path.
func decode(path string, data []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, out)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	case ".toml":
		return toml.Unmarshal(data, out)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped. Malformed files return an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := decode(path, data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

// merge overlays non-zero values from loaded onto base. Maps merge per key;
// a non-empty worker or evaluator list replaces the previous one.
func merge(base, loaded *Config) {
	e := loaded.Engine
	if e.TickInterval.Duration > 0 {
		base.Engine.TickInterval = e.TickInterval
	}
	if e.Concurrency != 0 {
		base.Engine.Concurrency = e.Concurrency
	}
	if e.MaxFixCycles != 0 {
		base.Engine.MaxFixCycles = e.MaxFixCycles
	}
	if e.ReviewThreshold != 0 {
		base.Engine.ReviewThreshold = e.ReviewThreshold
	}
	if e.CheckpointThreshold != 0 {
		base.Engine.CheckpointThreshold = e.CheckpointThreshold
	}
	if e.LivenessTimeout.Duration > 0 {
		base.Engine.LivenessTimeout = e.LivenessTimeout
	}
	if e.LivenessPolicy != "" {
		base.Engine.LivenessPolicy = e.LivenessPolicy
	}
	if e.Retry.MaxAttempts != 0 {
		base.Engine.Retry.MaxAttempts = e.Retry.MaxAttempts
	}
	if e.Retry.InitialInterval.Duration > 0 {
		base.Engine.Retry.InitialInterval = e.Retry.InitialInterval
	}
	if e.Retry.MaxInterval.Duration > 0 {
		base.Engine.Retry.MaxInterval = e.Retry.MaxInterval
	}

	if len(loaded.Evaluation.Evaluators) > 0 {
		base.Evaluation.Evaluators = loaded.Evaluation.Evaluators
	}
	if base.Evaluation.Weights == nil {
		base.Evaluation.Weights = make(map[string]float64)
	}
	for dim, w := range loaded.Evaluation.Weights {
		base.Evaluation.Weights[dim] = w
	}

	if loaded.Server.Addr != "" {
		base.Server.Addr = loaded.Server.Addr
	}
	if loaded.Store.Path != "" {
		base.Store.Path = loaded.Store.Path
	}

	if base.Tools == nil {
		base.Tools = make(map[string]ToolConfig)
	}
	for name, tool := range loaded.Tools {
		base.Tools[name] = tool
	}

	if len(loaded.Workers) > 0 {
		base.Workers = loaded.Workers
	}

	if base.ToolByType == nil {
		base.ToolByType = make(map[string]string)
	}
	for subtaskType, tool := range loaded.ToolByType {
		base.ToolByType[subtaskType] = tool
	}
}
