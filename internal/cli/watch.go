package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/marketsync/internal/engine"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	SessionFlags
	Interval    time.Duration
	Jitter      time.Duration
	MetricsAddr string

	// Iterations stops the loop after that many merges. Zero runs until
	// the process is signalled.
	Iterations int
}

// TickResult is one revalidation round of the watch loop.
type TickResult struct {
	Tick    int                  `json:"tick"`
	Results []engine.MergeResult `json:"results"`
	Error   string               `json:"error,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep collections in sync until interrupted",
		Long: `Start a session, then merge every primary collection on a jittered
interval until SIGINT or SIGTERM. With --metrics-addr the engine metrics
are served at /metrics.

Examples:
  marketsync watch --actor u_123 --interval 30s --jitter 5s
  marketsync watch --actor u_123 --metrics-addr :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	opts.SessionFlags.register(cmd)
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between merges (overrides config)")
	cmd.Flags().DurationVar(&opts.Jitter, "jitter", 0, "random spread applied to each interval (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&opts.Iterations, "iterations", 0, "stop after this many merges (0 = until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	opts.SessionFlags.apply(&cfg)
	if cmd.Flags().Changed("interval") {
		cfg.Watch.Interval = opts.Interval
	}
	if cmd.Flags().Changed("jitter") {
		cfg.Watch.Jitter = opts.Jitter
	}
	if opts.MetricsAddr != "" {
		cfg.Watch.MetricsAddr = opts.MetricsAddr
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	session, snapshots, err := openSession(cfg, "", logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()
	defer session.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Watch.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.Watch.MetricsAddr, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer shutdown()
		logger.Info("serving metrics", "addr", cfg.Watch.MetricsAddr)
	}

	if err := session.Start(ctx); err != nil {
		logger.Warn("initial sync incomplete, watch continues", "error", err)
	}
	logger.Info("watching",
		"actor", cfg.Actor,
		"interval", cfg.Watch.Interval,
		"jitter", cfg.Watch.Jitter,
	)

	for tick := 1; opts.Iterations == 0 || tick <= opts.Iterations; tick++ {
		timer := time.NewTimer(nextDelay(cfg.Watch.Interval, cfg.Watch.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("watch stopped")
			return nil
		case <-timer.C:
		}

		results, err := session.Revalidate(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		round := TickResult{Tick: tick, Results: results}
		if err != nil {
			round.Error = err.Error()
			logger.Warn("merge round failed", "tick", tick, "code", syncCode(err), "error", err)
		}
		if err := printTick(formatter, round); err != nil {
			return err
		}
	}
	return nil
}

// nextDelay spreads interval uniformly over [interval-jitter, interval+jitter].
func nextDelay(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval - jitter + time.Duration(rand.Int64N(int64(2*jitter)+1))
}

// serveMetrics exposes the engine metrics on a private registry.
func serveMetrics(addr string, logger *slog.Logger) (shutdown func(), err error) {
	reg := prometheus.NewRegistry()
	if err := engine.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printTick(f *OutputFormatter, round TickResult) error {
	if f.IsJSON() {
		return f.Success(round)
	}
	for _, r := range round.Results {
		fmt.Fprintf(f.Writer, "[%d] %s fetched=%d applied=%d suppressed=%d cursor=%s\n",
			round.Tick, r.Collection, r.Fetched, r.Applied, r.Suppressed, r.Cursor.UTC().Format(time.RFC3339))
	}
	if round.Error != "" {
		fmt.Fprintf(f.Writer, "[%d] ✗ %s\n", round.Tick, round.Error)
	}
	return nil
}
