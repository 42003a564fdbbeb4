package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/allocator"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/queue"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/worker"
)

var (
	runConfigPath   string
	runAllocatorURL string
	runWorkDir      string
	runGuestBinary  string
	runWorkers      int
	runTimeoutSecs  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker to process jobs from the queue",
	RunE:  runWorker,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config",
		goutils.Env("KAZI_CONFIG", config.DefaultConfigPath()), "Config file path")
	runCmd.Flags().StringVar(&runAllocatorURL, "allocator-url",
		goutils.Env("KAZI_ALLOCATOR_URL", ""), "Instance allocator API URL")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir",
		goutils.Env("KAZI_WORKDIR", ""), "Working directory for cloning repositories")
	runCmd.Flags().StringVar(&runGuestBinary, "guest-binary",
		goutils.Env("KAZI_GUEST_BINARY", ""), "Path to the agent guest executable")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Number of concurrent worker loops (default from config)")
	runCmd.Flags().IntVar(&runTimeoutSecs, "timeout", 0, "Queue timeout in seconds for blocking operations")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Allocator.URL == "" {
		return fmt.Errorf("allocator URL is required (set --allocator-url or KAZI_ALLOCATOR_URL)")
	}

	logger.Info("starting worker",
		slog.String("queue", cfg.Queue.QueueName()),
		slog.String("allocator_url", cfg.Allocator.URL),
		slog.String("work_dir", cfg.Worker.ResolvedWorkDir()),
		slog.Int("workers", cfg.Worker.Concurrency()),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Queue.
	q, err := queue.New(ctx, cfg.Queue.RedisURL, cfg.Queue.QueueName(), queue.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}

	// Allocator client.
	alloc := allocator.NewClient(cfg.Allocator.URL, logger,
		allocator.WithTimeout(cfg.Allocator.Timeout()))

	// Readiness checks.
	if obs != nil {
		obs.Health.AddCheck("queue", func(ctx context.Context) error {
			_, err := q.Stats(ctx)
			return err
		})
		obs.Health.AddCheck("allocator", alloc.Health)
		obs.StartMetricsServer(cfg.Metrics(), logger)
	}

	// Sandbox runtime and agent executor.
	runtime, err := sandbox.NewProcessRuntime(sandbox.ProcessConfig{
		GuestBinary:    cfg.Sandbox.GuestBinary,
		DefaultTimeout: cfg.Sandbox.ExecutionTimeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing sandbox: %w", err)
	}
	executor := agent.NewExecutor(runtime, logger)

	// Anything left in the processing list belongs to a previous run that
	// died without acknowledging. Requeue before accepting new work.
	recovered, err := q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering stalled jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered stalled jobs", slog.Int("count", recovered))
	}

	metrics := worker.NewMetrics(obs.RegistryOrNil())
	tracer := obs.TracerOrNil().Tracer()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency(); i++ {
		w, err := worker.New(worker.Config{
			ID:             fmt.Sprintf("worker-%d", i+1),
			WorkDir:        cfg.Worker.ResolvedWorkDir(),
			DequeueTimeout: cfg.Worker.DequeueTimeout(),
		},
			q,
			worker.NewAllocatorSource(alloc),
			worker.NewGitClient(logger),
			executor,
			logger,
			worker.WithMetrics(metrics),
			worker.WithTracer(tracer),
		)
		if err != nil {
			return fmt.Errorf("creating worker %d: %w", i+1, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker loop exited", slog.String("error", err.Error()))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for in-flight jobs")
	wg.Wait()
	logger.Info("worker stopped")
	return nil
}

// loadRunConfig loads the config file when present, falls back to defaults,
// and applies CLI flag overrides on top.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if fileExists(runConfigPath) {
		cfg, err = config.Load(runConfigPath)
	} else {
		cfg, err = config.Defaults()
	}
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("redis-url") || cfg.Queue.RedisURL == "" {
		cfg.Queue.RedisURL = redisURL
	}
	if cmd.Flags().Changed("queue") {
		cfg.Queue.Name = queueName
	}
	if runAllocatorURL != "" {
		cfg.Allocator.URL = runAllocatorURL
	}
	if runWorkDir != "" {
		cfg.Worker.WorkDir = runWorkDir
	}
	if runGuestBinary != "" {
		cfg.Sandbox.GuestBinary = runGuestBinary
	}
	if runWorkers > 0 {
		cfg.Worker.Count = runWorkers
	}
	if runTimeoutSecs > 0 {
		cfg.Worker.DequeueTimeoutSeconds = runTimeoutSecs
	}
	return cfg, nil
}
