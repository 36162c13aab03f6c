// Command gridworker runs grid workers, submits batches and doubles as the
// executor process that worker slots start.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	grid "github.com/jdziat/simple-grid"
	_ "github.com/jdziat/simple-grid/examples/math"
	"github.com/jdziat/simple-grid/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridworker",
		Short: "Distributed function calls over a shared queue",
		Long: "gridworker runs queue workers, submits batches of function calls, and serves as the " +
			"executor process started by each worker slot. Settings come from GRID_* variables.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(executorCmd())
	rootCmd.AddCommand(submitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process calls from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx)
		},
	}
}

func executorCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "executor [code-dir] [settings-file]",
		Short:  "Run as an executor process (started by workers)",
		Args:   cobra.ExactArgs(2),
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(grid.ExecutorMain(args))
		},
	}
}

func submitCmd() *cobra.Command {
	var (
		timeout  time.Duration
		capture  []string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit [module] [symbol] [json-arg...]",
		Short: "Submit one call per JSON argument and wait for the results",
		Long: "submit ships the configured source roots once, enqueues one call of module.symbol " +
			"per JSON argument and prints each result as a JSON line, in order.",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fn := grid.FunctionRef{Module: args[0], Symbol: args[1]}
			opts := []grid.DescriptorOption{grid.CaptureEnvironment(capture...)}
			if timeout > 0 {
				opts = append(opts, grid.Timeout(timeout))
			}
			return runSubmit(ctx, fn, args[2:], interval, opts...)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-call timeout on the worker (default GRID_TASK_TIMEOUT)")
	cmd.Flags().StringSliceVarP(&capture, "env", "e", nil, "Environment variables to capture for the executors")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Progress report interval")

	return cmd
}

func setup(ctx context.Context) (config.Config, *grid.Backends, *slog.Logger, error) {
	cfg, err := grid.LoadConfig()
	if err != nil {
		return cfg, nil, nil, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	backends, err := grid.OpenBackends(ctx, cfg)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, backends, logger, nil
}

func runWorker(ctx context.Context) error {
	cfg, backends, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer backends.Close()

	sweep, err := grid.ParseCron(cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("GRID_SWEEP_SCHEDULE: %w", err)
	}

	q := grid.New(backends.Storage)

	cache := grid.NewCache(backends.Code, backends.Locker, cfg.CodeDir)
	cache.LockWait = cfg.LockWait
	cache.Logger = logger
	cache.OnEvent = q.Emit

	r := grid.NewRunner(cache, cfg.EnvelopeDir)
	r.Logger = logger
	grid.RegisterRunner(q, r)

	w := grid.NewWorker(q,
		grid.WorkerQueue(cfg.Queue, grid.Concurrency(cfg.Concurrency)),
		grid.WithHostID(cfg.HostID),
		grid.WithExecutor(grid.ExecutorConfig{
			EnvelopeDir: cfg.EnvelopeDir,
			Logger:      logger,
			OnEvent:     q.Emit,
		}),
		grid.WithJanitor(sweep, cfg.SweepMaxAge),
		grid.WithStaleLockAge(cfg.StaleLockAge),
		grid.WithLogger(logger),
	)

	logger.Info("starting worker", "queue", cfg.Queue, "host", cfg.HostID, "concurrency", cfg.Concurrency)
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func runSubmit(ctx context.Context, fn grid.FunctionRef, rawArgs []string, interval time.Duration, opts ...grid.DescriptorOption) error {
	values := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("argument %d is not valid JSON: %s", i+1, raw)
		}
		values[i] = json.RawMessage(raw)
	}

	cfg, backends, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer backends.Close()

	roots := cfg.SourceRoots
	if len(roots) == 0 {
		roots = []string{"."}
	}
	p := grid.NewPackager(cfg.BaseDir, roots...)
	if len(cfg.ExcludeDirs) > 0 {
		p.Exclude = cfg.ExcludeDirs
	}
	p.Logger = logger

	if cfg.TaskTimeout > 0 {
		opts = append([]grid.DescriptorOption{grid.Timeout(cfg.TaskTimeout)}, opts...)
	}

	client := grid.NewClient(grid.New(backends.Storage), grid.NewBuilder(p, backends.Code), grid.QueueOpt(cfg.Queue))
	client.Logger = logger

	batch, err := client.NewBatch(ctx, fn, opts...)
	if err != nil {
		return err
	}
	calls, err := batch.Map(ctx, values)
	if err != nil {
		return err
	}
	if err := grid.Wait(ctx, calls, interval); err != nil {
		return err
	}

	results, err := grid.Gather[json.RawMessage](ctx, calls, grid.CollectAll())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if r.Err != nil {
			logger.Error("call failed", "index", r.Index, "error", fmt.Sprintf("%+v", r.Err))
			if err := enc.Encode(map[string]string{"error": r.Err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(r.Value); err != nil {
			return err
		}
	}
	if !grid.AllSucceeded(results) {
		return fmt.Errorf("%d of %d calls failed", len(results)-grid.SuccessCount(results), len(results))
	}
	return nil
}
