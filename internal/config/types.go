package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Liveness policies applied to subtasks held by a worker that went offline.
const (
	LivenessReallocate = "reallocate" // Return the subtask to pending on the next tick
	LivenessWait       = "wait"       // Keep the assignment until the worker comes back
)

// EngineConfig tunes scheduling, review and checkpoint behavior.
type EngineConfig struct {
	TickInterval        Duration    `json:"tick_interval" yaml:"tick_interval" toml:"tick_interval"`                      // Safety-net scheduling tick
	Concurrency         int         `json:"concurrency" yaml:"concurrency" toml:"concurrency"`                            // Max parallel dispatches per batch
	MaxFixCycles        int         `json:"max_fix_cycles" yaml:"max_fix_cycles" toml:"max_fix_cycles"`                   // Review rounds per artifact before escalation
	ReviewThreshold     float64     `json:"review_threshold" yaml:"review_threshold" toml:"review_threshold"`             // Minimum accepted review score
	CheckpointThreshold float64     `json:"checkpoint_threshold" yaml:"checkpoint_threshold" toml:"checkpoint_threshold"` // Evaluation score below which a checkpoint is raised
	LivenessTimeout     Duration    `json:"liveness_timeout" yaml:"liveness_timeout" toml:"liveness_timeout"`
	LivenessPolicy      string      `json:"liveness_policy" yaml:"liveness_policy" toml:"liveness_policy"`
	Retry               RetryConfig `json:"retry" yaml:"retry" toml:"retry"`
}

// RetryConfig controls dispatch retries.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval" toml:"max_interval"`
}

// EvaluationConfig selects evaluators and their weights.
type EvaluationConfig struct {
	Evaluators []string           `json:"evaluators,omitempty" yaml:"evaluators,omitempty" toml:"evaluators,omitempty"` // Built-in evaluator names to register
	Weights    map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty" toml:"weights,omitempty"`          // Dimension -> weight
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

type StoreConfig struct {
	Path string `json:"path" yaml:"path" toml:"path"` // SQLite file; ":memory:" for an ephemeral store
}

// ToolConfig defines how a local worker invokes an AI tool.
type ToolConfig struct {
	Command string   `json:"command" yaml:"command" toml:"command"`                            // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`       // Default args appended to every invocation
	Model   string   `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`    // Model override
	WorkDir string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"`
}

// WorkerConfig declares an in-process worker started by the server.
type WorkerConfig struct {
	MachineID string   `json:"machine_id" yaml:"machine_id" toml:"machine_id"`
	Tools     []string `json:"tools" yaml:"tools" toml:"tools"` // Keys into Tools
	LocalOnly bool     `json:"local_only,omitempty" yaml:"local_only,omitempty" toml:"local_only,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Engine     EngineConfig          `json:"engine" yaml:"engine" toml:"engine"`
	Evaluation EvaluationConfig      `json:"evaluation" yaml:"evaluation" toml:"evaluation"`
	Server     ServerConfig          `json:"server" yaml:"server" toml:"server"`
	Store      StoreConfig           `json:"store" yaml:"store" toml:"store"`
	Tools      map[string]ToolConfig `json:"tools" yaml:"tools" toml:"tools"`
	Workers    []WorkerConfig        `json:"workers,omitempty" yaml:"workers,omitempty" toml:"workers,omitempty"`
	ToolByType map[string]string     `json:"tool_by_type,omitempty" yaml:"tool_by_type,omitempty" toml:"tool_by_type,omitempty"` // Subtask type -> tool name
}

// Validate reports configuration values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1, got %d", c.Engine.Concurrency)
	}
	if c.Engine.TickInterval.Duration <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive, got %s", c.Engine.TickInterval)
	}
	if c.Engine.LivenessTimeout.Duration <= 0 {
		return fmt.Errorf("engine.liveness_timeout must be positive, got %s", c.Engine.LivenessTimeout)
	}
	if c.Engine.MaxFixCycles < 1 {
		return fmt.Errorf("engine.max_fix_cycles must be at least 1, got %d", c.Engine.MaxFixCycles)
	}
	if c.Engine.ReviewThreshold < 0 || c.Engine.ReviewThreshold > 10 {
		return fmt.Errorf("engine.review_threshold must be within [0, 10], got %v", c.Engine.ReviewThreshold)
	}
	if c.Engine.CheckpointThreshold < 0 || c.Engine.CheckpointThreshold > 10 {
		return fmt.Errorf("engine.checkpoint_threshold must be within [0, 10], got %v", c.Engine.CheckpointThreshold)
	}
	switch c.Engine.LivenessPolicy {
	case LivenessReallocate, LivenessWait:
	default:
		return fmt.Errorf("engine.liveness_policy must be %q or %q, got %q", LivenessReallocate, LivenessWait, c.Engine.LivenessPolicy)
	}
	for dim, w := range c.Evaluation.Weights {
		if w < 0 {
			return fmt.Errorf("evaluation.weights.%s must not be negative", dim)
		}
	}
	for _, w := range c.Workers {
		for _, tool := range w.Tools {
			if _, ok := c.Tools[tool]; !ok {
				return fmt.Errorf("worker %q references unknown tool %q", w.MachineID, tool)
			}
		}
	}
	return nil
}
