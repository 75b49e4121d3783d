package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/agentgrid/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// newRootCmd builds the command tree. Flags and AGENTGRID_* environment
// variables are resolved through one viper instance shared by subcommands.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AGENTGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "agentgrid",
		Short: "Coordinate AI coding agents across a pool of workers",
		Long: `agentgrid decomposes development tasks into dependent subtasks, allocates
them to registered workers, peer-reviews produced code and raises human
checkpoints when quality falls short.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "project config file (.json, .yaml or .toml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newPlanCmd(v))
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentgrid %s\n", version)
		},
	}
}

// loadConfig merges the global and project config files and applies flag and
// environment overrides on top.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	project := v.GetString("config")
	if project == "" {
		project = filepath.Join(".agentgrid", "config.yaml")
	}

	cfg, err := config.Load(filepath.Join(home, ".agentgrid", "config.yaml"), project)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies explicitly set flags and environment variables into cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if v.IsSet("addr") {
		cfg.Server.Addr = v.GetString("addr")
	}
	if v.IsSet("db") {
		cfg.Store.Path = v.GetString("db")
	}
	if v.IsSet("concurrency") {
		cfg.Engine.Concurrency = v.GetInt("concurrency")
	}
	if v.IsSet("liveness-policy") {
		cfg.Engine.LivenessPolicy = v.GetString("liveness-policy")
	}
	if v.IsSet("tick-interval") {
		cfg.Engine.TickInterval = config.Duration{Duration: v.GetDuration("tick-interval")}
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
