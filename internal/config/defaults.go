package config

import "time"

// DefaultConfig returns the default configuration with built-in tools and engine settings.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			TickInterval:        Duration{30 * time.Second},
			Concurrency:         4,
			MaxFixCycles:        2,
			ReviewThreshold:     6.0,
			CheckpointThreshold: 7.0,
			LivenessTimeout:     Duration{90 * time.Second},
			LivenessPolicy:      LivenessReallocate,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: Duration{time.Second},
				MaxInterval:     Duration{30 * time.Second},
			},
		},
		Evaluation: EvaluationConfig{
			Evaluators: []string{"code_quality", "completeness", "security"},
			Weights: map[string]float64{
				"code_quality":           0.25,
				"completeness":           0.30,
				"security":               0.25,
				"architecture_alignment": 0.10,
				"testability":            0.10,
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8420",
		},
		Store: StoreConfig{
			Path: ".agentgrid/agentgrid.db",
		},
		Tools: map[string]ToolConfig{
			"claude": {Command: "claude", Args: []string{"-p", "--output-format", "json"}},
			"codex":  {Command: "codex", Args: []string{"exec", "--json"}},
			"goose":  {Command: "goose", Args: []string{"run", "--text"}},
		},
		ToolByType: map[string]string{
			"code_generation": "codex",
			"code_fix":        "codex",
			"code_review":     "claude",
			"analysis":        "claude",
			"documentation":   "claude",
			"test":            "goose",
			"deployment":      "goose",
		},
	}
}
