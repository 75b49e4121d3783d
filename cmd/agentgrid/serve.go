package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentgrid/internal/api"
	"github.com/aristath/agentgrid/internal/backend"
	"github.com/aristath/agentgrid/internal/config"
	"github.com/aristath/agentgrid/internal/decompose"
	"github.com/aristath/agentgrid/internal/dispatch"
	"github.com/aristath/agentgrid/internal/evaluation"
	"github.com/aristath/agentgrid/internal/events"
	"github.com/aristath/agentgrid/internal/orchestrator"
	"github.com/aristath/agentgrid/internal/persistence"
	"github.com/aristath/agentgrid/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server and configured local workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address (default from config)")
	cmd.Flags().String("db", "", `SQLite database path, ":memory:" for an ephemeral store`)
	cmd.Flags().Int("concurrency", 0, "max parallel dispatches per scheduling pass")
	cmd.Flags().String("liveness-policy", "", "what happens to work held by an offline worker: reallocate or wait")
	cmd.Flags().Duration("tick-interval", 0, "safety-net scheduling interval")
	for _, name := range []string{"addr", "db", "concurrency", "liveness-policy", "tick-interval"} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	aggregator, err := buildAggregator(cfg, logger)
	if err != nil {
		return err
	}
	logger.Debug("evaluators registered", "dimensions", aggregator.Dimensions())

	reg := registry.New(logger)
	mailbox := dispatch.NewMailbox(0)
	engine, err := orchestrator.NewEngine(orchestrator.Deps{
		Store:      store,
		Registry:   reg,
		Decomposer: decompose.New(decompose.WithToolByType(cfg.ToolByType)),
		Evaluator:  aggregator,
		Dispatcher: mailbox,
		Bus:        bus,
		Logger:     logger,
	}, orchestrator.OptionsFromConfig(cfg.Engine))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pm := backend.NewProcessManager()
	g, gctx := errgroup.WithContext(ctx)

	if err := startLocalWorkers(gctx, g, cfg, reg, mailbox, engine, pm, logger); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	liveness := cfg.Engine.LivenessTimeout.Duration
	g.Go(func() error {
		reg.Run(gctx, liveness/3, liveness, func(ids []string) {
			engine.HandleOffline(gctx, ids)
		})
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(engine.Run(gctx))
	})

	handlers := &api.Handlers{
		Engine:   engine,
		Registry: reg,
		Mailbox:  mailbox,
		Events:   bus,
		Logger:   logger,
		Version:  version,
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Server.Addr, "store", cfg.Store.Path)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Kill agent subprocesses before draining HTTP so blocked runners return.
		if err := pm.KillAll(); err != nil {
			logger.Warn("killing agent processes", "err", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return ignoreCanceled(g.Wait())
}

func openStore(ctx context.Context, path string) (*persistence.SQLiteStore, error) {
	if path == ":memory:" {
		return persistence.NewMemoryStore(ctx)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

// buildAggregator registers the configured built-in evaluators.
func buildAggregator(cfg *config.Config, logger *slog.Logger) (*evaluation.Aggregator, error) {
	weights := make(map[evaluation.Dimension]float64, len(cfg.Evaluation.Weights))
	for dim, w := range cfg.Evaluation.Weights {
		weights[evaluation.Dimension(dim)] = w
	}
	agg := evaluation.NewAggregator(weights, cfg.Engine.CheckpointThreshold, logger)
	for _, name := range cfg.Evaluation.Evaluators {
		e, err := evaluation.Builtin(name)
		if err != nil {
			return nil, err
		}
		if err := agg.Register(e); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// startLocalWorkers registers each configured worker and runs it in-process.
// Local workers heartbeat on their own so the liveness sweep leaves them online.
func startLocalWorkers(ctx context.Context, g *errgroup.Group, cfg *config.Config, reg *registry.Registry,
	mailbox *dispatch.Mailbox, engine *orchestrator.Engine, pm *backend.ProcessManager, logger *slog.Logger) error {
	interval := cfg.Engine.LivenessTimeout.Duration / 3

	for _, wc := range cfg.Workers {
		backends := make(map[string]backend.Backend, len(wc.Tools))
		for _, tool := range wc.Tools {
			tc := cfg.Tools[tool]
			b, err := backend.New(backend.Config{
				Name:    tool,
				Command: tc.Command,
				Args:    tc.Args,
				Model:   tc.Model,
				WorkDir: tc.WorkDir,
			}, pm)
			if err != nil {
				return fmt.Errorf("worker %s: %w", wc.MachineID, err)
			}
			backends[tool] = b
		}

		w, err := reg.Register(wc.MachineID, wc.Tools, wc.LocalOnly)
		if err != nil {
			return err
		}
		runner := &dispatch.Runner{
			WorkerID: w.ID,
			Backends: backends,
			Submit:   engine,
			Logger:   logger,
		}
		inbox := mailbox.Register(w.ID)
		logger.Info("local worker started", "worker", w.ID, "machine", wc.MachineID, "tools", wc.Tools)

		g.Go(func() error {
			return ignoreCanceled(runner.Run(ctx, inbox))
		})
		g.Go(func() error {
			heartbeat(ctx, reg, w.ID, interval, logger)
			return nil
		})
	}
	return nil
}

// heartbeat reports the host's resource usage for a local worker, once at
// start and then every interval.
func heartbeat(ctx context.Context, reg *registry.Registry, workerID string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := registry.SampleResources(ctx, "")
		if err != nil && ctx.Err() == nil {
			logger.Warn("sampling host resources", "worker", workerID, "err", err)
		}
		if err := reg.Heartbeat(workerID, res); err != nil {
			logger.Warn("local heartbeat failed", "worker", workerID, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
