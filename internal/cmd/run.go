package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/batch"
	"github.com/weftlabs/weft/internal/breaker"
	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/job"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/progress"
	"github.com/weftlabs/weft/internal/provider"
	"github.com/weftlabs/weft/internal/reconcile"
	"github.com/weftlabs/weft/internal/scheduler"
	"github.com/weftlabs/weft/internal/telemetry"
)

var (
	runStubLatency   time.Duration
	runStubFailFirst int
	runQuiet         bool
)

var runCmd = &cobra.Command{
	Use:   "run <job.yaml>",
	Short: "Run a job file through the orchestration pipeline",
	Long: `Run executes the subtasks declared in a YAML job file through the full
pipeline: dependency ordering, priority dispatch, batching, caching,
circuit breaking, retry, and the final consistency pass.

Subtasks are executed by the built-in echo provider, which exists to
exercise the pipeline; its latency and failure behavior can be shaped
with flags. Embedders wire a real provider executor instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	runCmd.Flags().DurationVar(&runStubLatency, "stub-latency", 0, "artificial latency per provider call")
	runCmd.Flags().IntVar(&runStubFailFirst, "stub-fail-first", 0, "fail the first N provider calls to exercise retry")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "suppress the live event stream")
	rootCmd.AddCommand(runCmd)
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	j, err := loadJobFile(args[0])
	if err != nil {
		return err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		l, err := logging.NewLogger(cfg.Logging.ResolveLogDir(), cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer l.Close()
		logger = l
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New()
		if addr := cfg.Telemetry.ListenAddr; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(addr, mux); err != nil {
					logger.Warn("metrics endpoint stopped", "error", err.Error())
				}
			}()
		}
	}

	exec := provider.NewLimited(
		&provider.Stub{Latency: runStubLatency, FailFirst: runStubFailFirst},
		provider.LimitConfig{
			DefaultConcurrency: cfg.Provider.DefaultConcurrency,
			Concurrency:        cfg.Provider.Concurrency,
			CallTimeout:        cfg.Provider.CallTimeout(),
		},
	)
	breakers := breaker.NewRegistry(breaker.Config{
		Window:       cfg.Breaker.Window(),
		MinRequests:  cfg.Breaker.MinRequests,
		FailureRatio: cfg.Breaker.FailureRatio,
		Cooldown:     cfg.Breaker.Cooldown(),
		OnOpen:       metrics.BreakerOpened,
	})
	batcher := batch.New(batch.Config{
		MaxSize: cfg.Batch.MaxSize,
		Window:  cfg.Batch.Window(),
	}, exec, breakers, logger, metrics)
	defer batcher.Close()

	var reconciler reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		reconciler = reconcile.NewTermReconciler(reconcile.Config{
			Aliases:       cfg.Reconcile.Aliases,
			MinTermLength: cfg.Reconcile.MinTermLength,
		}, logger)
	}

	sched := scheduler.New(scheduler.Config{
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		BackoffBase: cfg.Scheduler.BackoffBase(),
		BackoffMax:  cfg.Scheduler.BackoffMax(),
		BoostRate:   cfg.Scheduler.BoostRate,
		Reconcile:   cfg.Reconcile.Enabled,
		Retention:   cfg.Scheduler.Retention(),
	}, scheduler.Deps{
		Cache:       cache.New(cache.Config{TTL: cfg.Cache.TTL(), Capacity: cfg.Cache.Capacity}),
		Batcher:     batcher,
		Broadcaster: progress.NewBroadcaster(logger),
		Reconciler:  reconciler,
		Logger:      logger,
		Metrics:     metrics,
	})
	defer sched.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := sched.Submit(ctx, j)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	fmt.Printf("Job %s: %d subtasks\n", h.JobID, len(j.SubTasks))

	sub, err := h.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Close()
	go streamEvents(sub)

	snap, err := h.Wait(ctx)
	if err != nil {
		// Interrupted: cancel and report the final state.
		_ = sched.Cancel(h.JobID)
		snap, err = h.Wait(context.Background())
		if err != nil {
			return err
		}
	}

	printSummary(snap)
	if snap.Status != job.StatusCompleted {
		return fmt.Errorf("job %s %s", snap.JobID, snap.Status)
	}
	return nil
}

// streamEvents prints the live progress stream until the job ends.
func streamEvents(sub *progress.Subscription) {
	for ev := range sub.Events() {
		if runQuiet {
			continue
		}
		switch ev.Kind {
		case progress.KindSnapshot, progress.KindSubTaskQueued:
			// Too chatty for the console; covered by the summary.
		case progress.KindSubTaskRetrying:
			fmt.Printf("  retry   %-16s attempt %d: %s\n", ev.SubTaskID, ev.Attempt, ev.Error)
		case progress.KindSubTaskFailed:
			fmt.Printf("  failed  %-16s %s\n", ev.SubTaskID, ev.Error)
		case progress.KindSubTaskCompleted:
			fmt.Printf("  done    %-16s %d bytes\n", ev.SubTaskID, len(ev.Result))
		case progress.KindSubTaskDispatched:
			fmt.Printf("  dispatch %-15s attempt %d\n", ev.SubTaskID, ev.Attempt)
		case progress.KindSubTaskCancelled:
			fmt.Printf("  cancel  %-16s\n", ev.SubTaskID)
		case progress.KindJobStarted, progress.KindJobCompleted, progress.KindJobFailed, progress.KindJobCancelled:
			fmt.Printf("job %s\n", ev.Kind)
		}
	}
}

// printSummary reports the terminal per-subtask outcomes.
func printSummary(snap job.Snapshot) {
	fmt.Printf("\nJob %s: %s (%d/%d completed)\n",
		snap.JobID, snap.Status, snap.Counts.Completed, snap.Counts.Total)
	for _, st := range snap.SubTasks {
		switch st.Status {
		case job.SubTaskCompleted:
			fmt.Printf("  %-16s ok      %d bytes, %d attempt(s)\n", st.ID, len(st.Result), st.AttemptCount)
		case job.SubTaskFailed:
			fmt.Printf("  %-16s failed  %s\n", st.ID, st.LastError)
		case job.SubTaskCancelled:
			fmt.Printf("  %-16s cancelled\n", st.ID)
		default:
			fmt.Printf("  %-16s %s\n", st.ID, st.Status)
		}
	}
}
