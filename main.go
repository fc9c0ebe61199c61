package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pthm-cable/racer/checkpoint"
	"github.com/pthm-cable/racer/config"
	"github.com/pthm-cable/racer/evolve"
	"github.com/pthm-cable/racer/features"
	"github.com/pthm-cable/racer/neural"
	"github.com/pthm-cable/racer/telemetry"
	"github.com/pthm-cable/racer/trainer"
)

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	seed := flag.Int64("seed", 0, "RNG seed (0 = config, then time-based)")
	maxGenerations := flag.Int("max-generations", -1, "Stop after N generations (0 = unlimited, -1 = use config)")
	checkpointDir := flag.String("checkpoint-dir", "", "Directory for checkpoints (empty = use config)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	feedAddr := flag.String("feed-addr", "", "Listen address for the live websocket feed")
	fresh := flag.Bool("fresh", false, "Ignore existing checkpoints and start a new population")
	algorithm := flag.String("algorithm", "", "Evolutionary algorithm: neat or ffnn (empty = use config)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	applyOverrides(cfg, *seed, *maxGenerations, *checkpointDir, *outputDir, *feedAddr, *algorithm)

	flags, err := features.Resolve(cfg.Features, nil)
	if err != nil {
		slog.Error("failed to resolve feature flags", "error", err)
		return 1
	}
	if forced := flags.Forced(); len(forced) > 0 {
		slog.Warn("feature_flags_forced_off", "flags", forced)
	}
	slog.Info("feature_flags", flags.Attrs()...)

	runID := uuid.NewString()
	runSeed := uint64(cfg.Run.Seed)

	output, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir)
	if err != nil {
		slog.Error("failed to create output dir", "error", err)
		return 1
	}
	if err := output.WriteConfig(cfg); err != nil {
		slog.Warn("config_snapshot_failed", "error", err)
	}
	db, err := telemetry.OpenMetricsDB(cfg.Telemetry.SQLitePath, runID)
	if err != nil {
		slog.Error("failed to open metrics db", "error", err)
		return 1
	}
	sinks := telemetry.MultiSink{output, db}
	defer func() {
		if err := sinks.Close(); err != nil {
			slog.Warn("metrics_close_failed", "error", err)
		}
	}()

	capability, err := evolve.New(cfg, runSeed)
	if err != nil {
		slog.Error("failed to create population", "error", err)
		return 1
	}

	opts := trainer.Options{
		Sinks:       sinks,
		Output:      output,
		Checkpoints: checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Checkpoint.Retain),
		GhostDir:    cfg.Ghost.Dir,
		Logger:      logger,
		RunID:       runID,
		Seed:        runSeed,
		Fresh:       *fresh,
	}

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	if cfg.Telemetry.FeedAddr != "" {
		feed := telemetry.NewFeed(neural.InputDescriptors(cfg.Sensors.Angles), neural.OutputDescriptors(), logger)
		defer feed.Close()
		go func() {
			if err := feed.Serve(feedCtx, cfg.Telemetry.FeedAddr); err != nil {
				slog.Error("feed_server_failed", "addr", cfg.Telemetry.FeedAddr, "error", err)
			}
		}()
		opts.Observer = feed
		slog.Info("feed_listening", "addr", cfg.Telemetry.FeedAddr)
	}

	tr, err := trainer.New(cfg, flags, capability, opts)
	if err != nil {
		slog.Error("failed to create trainer", "error", err)
		return 1
	}

	// First interrupt stops at the next generation boundary, the second aborts.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		stop()
		slog.Info("shutdown_requested", "hint", "interrupt again to abort immediately")
		select {
		case <-finished:
		case <-sigs:
			tr.Abort()
		}
	}()

	slog.Info("starting training",
		"run_id", runID,
		"seed", cfg.Run.Seed,
		"algorithm", cfg.Evolution.Algorithm,
		"population", cfg.Evolution.Population,
		"max_generations", cfg.Run.MaxGenerations,
		"checkpoint_dir", cfg.Checkpoint.Dir,
	)
	start := time.Now()
	res, err := tr.Run(ctx)
	slog.Info("training finished",
		"phase", res.Phase.String(),
		"generation", res.Generation,
		"generations", res.Generations,
		"best", res.Best,
		"best_generation", res.BestGeneration,
		"level", res.Level,
		"checkpoint", res.CheckpointPath,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, trainer.ErrAborted):
		return 130
	}
	return 1
}

// applyOverrides layers CLI flags over the loaded config.
func applyOverrides(cfg *config.Config, seed int64, maxGenerations int, checkpointDir, outputDir, feedAddr, algorithm string) {
	if seed != 0 {
		cfg.Run.Seed = seed
	}
	if cfg.Run.Seed == 0 {
		cfg.Run.Seed = time.Now().UnixNano()
	}
	if maxGenerations >= 0 {
		cfg.Run.MaxGenerations = maxGenerations
	}
	if checkpointDir != "" {
		cfg.Checkpoint.Dir = checkpointDir
	}
	if outputDir != "" {
		cfg.Telemetry.OutputDir = outputDir
	}
	if feedAddr != "" {
		cfg.Telemetry.FeedAddr = feedAddr
	}
	if algorithm != "" {
		cfg.Evolution.Algorithm = algorithm
	}
}
