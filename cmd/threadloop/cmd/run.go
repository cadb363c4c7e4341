package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/threadloop/internal/config"
	"github.com/psantana5/threadloop/internal/lifecycle"
	"github.com/psantana5/threadloop/internal/loop"
	"github.com/psantana5/threadloop/internal/report"
	"github.com/psantana5/threadloop/internal/thread"
	"github.com/psantana5/threadloop/internal/worker"
	"github.com/psantana5/threadloop/pkg/ratelimit"
	"github.com/psantana5/threadloop/pkg/shutdown"
	"github.com/psantana5/threadloop/pkg/tracing"
)

var (
	runSummary     bool
	runDumpMetrics bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the spawn/wait/reclaim loop (same as running threadloop with no command)",
	Long: `Runs the thread lifecycle loop until interrupted, until --iterations is
reached, or until a worker cannot be created or joined.

Examples:
  threadloop
  threadloop run --delay 250ms --iterations 10 --summary
  threadloop --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.RunE = runLoop

	// Registered on the root so the bare command and "run" share them.
	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.Duration("delay", d.Delay, "how long each worker sleeps")
	pf.Uint64("iterations", d.Iterations, "stop after this many iterations (0 runs forever)")
	pf.Int("max-threads", d.MaxThreads, "refuse to spawn once the process has this many OS threads (0 disables)")
	pf.String("metrics-addr", d.MetricsAddr, "serve /metrics, /failures and /healthz on this address")
	pf.Float64("metrics-rps", d.MetricsRPS, "per-client request rate allowed on the metrics server (0 disables limiting)")
	pf.BoolVar(&runSummary, "summary", false, "print a summary table on exit")
	pf.BoolVar(&runDumpMetrics, "dump-metrics", false, "print the metrics in Prometheus text format on exit")
}

func runLoop(cmd *cobra.Command, _ []string) error {
	cfg := effective

	mgr := shutdown.New(10*time.Second, logger)
	mgr.Register("logger", shutdown.CloseResource(logger))

	ctx, stop := mgr.Context(cmd.Context())
	defer stop()

	provider, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.Service,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		Writer:         cmd.ErrOrStderr(),
	}, logger)
	if err != nil {
		return err
	}
	mgr.Register("tracer", provider.Shutdown)

	metrics := report.NewMetrics()
	failures := report.NewFailureLog(100)

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(ctx, cfg, metrics, failures, provider)
		if err != nil {
			_ = mgr.Shutdown()
			return err
		}
		mgr.Register("metrics server", shutdown.StopHTTPServer(srv))
	}

	spawner := thread.NewSpawner(thread.WithMaxThreads(cfg.MaxThreads))
	l := loop.New(loop.Threads(spawner), worker.Sleep(cfg.Delay, logger),
		loop.WithLogger(logger),
		loop.WithMetrics(metrics),
		loop.WithFailureLog(failures),
		loop.WithTracer(provider.Tracer()),
		loop.WithMaxIterations(cfg.Iterations),
		loop.WithObserver(func(ev lifecycle.Event) {
			logger.Debug(fmt.Sprintf("State %s -> %s", ev.From, ev.To), map[string]interface{}{
				"iteration": ev.Iteration,
				"worker_id": ev.WorkerID,
			})
		}),
	)

	runErr := l.Run(ctx)

	out := cmd.OutOrStdout()
	if runSummary {
		printSummary(out, l)
	}
	if runDumpMetrics {
		text, err := metrics.PrometheusText()
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to render metrics: %v", err))
		} else {
			fmt.Fprint(out, text)
		}
	}

	if err := mgr.Shutdown(); err != nil {
		logger.Warn(fmt.Sprintf("Shutdown incomplete: %v", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// serveMetrics starts the HTTP surface and returns once it is listening.
func serveMetrics(ctx context.Context, cfg config.Config, metrics *report.Metrics, failures *report.FailureLog, provider *tracing.Provider) (*http.Server, error) {
	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.MetricsAddr, err)
	}

	var handler http.Handler = report.NewRouter(metrics, failures)
	if cfg.MetricsRPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.MetricsRPS, int(math.Ceil(cfg.MetricsRPS)))
		handler = limiter.Middleware(ratelimit.IPKeyFunc)(handler)
		go pruneLimiters(ctx, limiter)
	}

	srv := &http.Server{
		Handler:           tracing.HTTPMiddleware(provider)(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("Metrics server failed: %v", err))
		}
	}()

	logger.Info(fmt.Sprintf("Metrics server listening on %s", ln.Addr()))
	return srv, nil
}

func pruneLimiters(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
				logger.Debug(fmt.Sprintf("Dropped %d idle rate limiters", n))
			}
		}
	}
}

func printSummary(w io.Writer, l *loop.Loop) {
	snap := l.Metrics().Snapshot()

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")

	table.Append("Run ID", l.RunID())
	table.Append("Iterations completed", fmt.Sprintf("%d", l.Completed()))
	table.Append("Workers spawned", fmt.Sprintf("%d", snap["workers_spawned"]))
	table.Append("Workers reclaimed", fmt.Sprintf("%d", snap["workers_reclaimed"]))
	table.Append("Live handles", fmt.Sprintf("%d", l.Live()))
	table.Append("Spawn failures", fmt.Sprintf("%d", snap["spawn_failures"]))
	table.Append("Wait failures", fmt.Sprintf("%d", snap["wait_failures"]))
	table.Append("Reclaim failures", fmt.Sprintf("%d", snap["reclaim_failures"]))

	table.Render()

	for _, f := range l.Failures().GetRecent(5) {
		fmt.Fprintf(w, "  iteration %d: %s: %s\n", f.Iteration, f.Reason, f.Error)
	}
}
