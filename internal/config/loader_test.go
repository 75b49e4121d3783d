package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalName    string
		globalConfig  string
		projectName   string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
		expectError   string
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Engine.MaxFixCycles != 2 {
					t.Errorf("MaxFixCycles = %d, want 2", cfg.Engine.MaxFixCycles)
				}
				if cfg.Engine.ReviewThreshold != 6.0 {
					t.Errorf("ReviewThreshold = %v, want 6.0", cfg.Engine.ReviewThreshold)
				}
				if cfg.Engine.TickInterval.Duration != 30*time.Second {
					t.Errorf("TickInterval = %v, want 30s", cfg.Engine.TickInterval)
				}
				if len(cfg.Tools) != 3 {
					t.Errorf("expected 3 default tools, got %d", len(cfg.Tools))
				}
			},
		},
		{
			name:       "Global YAML overrides engine settings",
			globalName: "config.yaml",
			globalConfig: `
engine:
  max_fix_cycles: 3
  liveness_timeout: 2m
  liveness_policy: wait
tools:
  aider:
    command: aider
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Engine.MaxFixCycles != 3 {
					t.Errorf("MaxFixCycles = %d, want 3", cfg.Engine.MaxFixCycles)
				}
				if cfg.Engine.LivenessTimeout.Duration != 2*time.Minute {
					t.Errorf("LivenessTimeout = %v, want 2m", cfg.Engine.LivenessTimeout)
				}
				if cfg.Engine.LivenessPolicy != LivenessWait {
					t.Errorf("LivenessPolicy = %q, want wait", cfg.Engine.LivenessPolicy)
				}
				if len(cfg.Tools) != 4 {
					t.Errorf("expected 4 tools (3 defaults + aider), got %d", len(cfg.Tools))
				}
				// Unset fields keep defaults
				if cfg.Engine.Concurrency != 4 {
					t.Errorf("Concurrency = %d, want default 4", cfg.Engine.Concurrency)
				}
			},
		},
		{
			name:       "Project TOML beats global JSON",
			globalName: "config.json",
			globalConfig: `{
				"engine": {"review_threshold": 5.0},
				"tool_by_type": {"test": "claude"}
			}`,
			projectName: "config.toml",
			projectConfig: `
[engine]
review_threshold = 7.5

[tool_by_type]
code_generation = "claude"
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Engine.ReviewThreshold != 7.5 {
					t.Errorf("ReviewThreshold = %v, want 7.5", cfg.Engine.ReviewThreshold)
				}
				if cfg.ToolByType["test"] != "claude" {
					t.Errorf("tool_by_type.test = %q, want claude from global", cfg.ToolByType["test"])
				}
				if cfg.ToolByType["code_generation"] != "claude" {
					t.Errorf("tool_by_type.code_generation = %q, want claude from project", cfg.ToolByType["code_generation"])
				}
				if cfg.ToolByType["code_fix"] != "codex" {
					t.Errorf("tool_by_type.code_fix = %q, want default codex", cfg.ToolByType["code_fix"])
				}
			},
		},
		{
			name:       "Workers list replaces defaults",
			globalName: "config.yaml",
			globalConfig: `
workers:
  - machine_id: laptop
    tools: [claude, codex]
    local_only: true
`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Workers) != 1 {
					t.Fatalf("expected 1 worker, got %d", len(cfg.Workers))
				}
				w := cfg.Workers[0]
				if w.MachineID != "laptop" || !w.LocalOnly || len(w.Tools) != 2 {
					t.Errorf("unexpected worker %+v", w)
				}
			},
		},
		{
			name:         "Malformed JSON returns error",
			globalName:   "config.json",
			globalConfig: `{"engine": {`,
			expectError:  "loading global config",
		},
		{
			name:          "Unsupported extension returns error",
			projectName:   "config.ini",
			projectConfig: "engine=1",
			expectError:   "unsupported config format",
		},
		{
			name:         "Invalid liveness policy fails validation",
			globalName:   "config.yaml",
			globalConfig: "engine:\n  liveness_policy: sometimes\n",
			expectError:  "liveness_policy",
		},
		{
			name:         "Worker referencing unknown tool fails validation",
			globalName:   "config.yaml",
			globalConfig: "workers:\n  - machine_id: m1\n    tools: [nope]\n",
			expectError:  "unknown tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			globalPath := filepath.Join(tmpDir, "global", "missing.yaml")
			projectPath := filepath.Join(tmpDir, "project", "missing.yaml")

			if tt.globalConfig != "" {
				globalPath = filepath.Join(tmpDir, tt.globalName)
				writeFile(t, globalPath, tt.globalConfig)
			}
			if tt.projectConfig != "" {
				projectPath = filepath.Join(tmpDir, "project-"+tt.projectName)
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError != "" {
				if err == nil {
					t.Fatalf("Expected error containing %q, got nil", tt.expectError)
				}
				if !strings.Contains(err.Error(), tt.expectError) {
					t.Errorf("Error %q does not contain %q", err.Error(), tt.expectError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() is invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Engine.Concurrency = 0 }, "engine.concurrency"},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = Duration{} }, "engine.tick_interval"},
		{"zero liveness timeout", func(c *Config) { c.Engine.LivenessTimeout = Duration{} }, "engine.liveness_timeout"},
		{"threshold out of range", func(c *Config) { c.Engine.ReviewThreshold = 11 }, "engine.review_threshold"},
		{"unknown policy", func(c *Config) { c.Engine.LivenessPolicy = "drop" }, "engine.liveness_policy"},
		{"negative weight", func(c *Config) { c.Evaluation.Weights["security"] = -1 }, "evaluation.weights.security"},
		{"unknown worker tool", func(c *Config) {
			c.Workers = []WorkerConfig{{MachineID: "box", Tools: []string{"aider"}}}
		}, `unknown tool "aider"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
