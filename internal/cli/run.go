package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fulfil/internal/config"
	"github.com/roach88/fulfil/internal/dispatch"
	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/fulfillment"
	"github.com/roach88/fulfil/internal/ir"
	"github.com/roach88/fulfil/internal/store"
	"github.com/roach88/fulfil/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	DispatchURL string
	Parallel    int
	MetricsAddr string

	// Drivers and Sleeper override the delivery service client and the
	// delay primitive (for testing). Nil uses the HTTP client and real timers.
	Drivers fulfillment.DriverFinder
	Sleeper engine.Sleeper

	// RunIDs overrides the run ID generator (for testing). If nil, defaults
	// to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// OrderOutcome is the result of one order run.
type OrderOutcome struct {
	File         string                         `json:"file"`
	OrderNumber  string                         `json:"order_number"`
	RunID        string                         `json:"run_id"`
	Status       ir.RunStatus                   `json:"status"`
	Confirmation *fulfillment.OrderConfirmation `json:"confirmation,omitempty"`
	ErrorCode    string                         `json:"error_code,omitempty"`
	Message      string                         `json:"message,omitempty"`
	Compensated  []string                       `json:"compensated,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <order-file>...",
		Short: "Run orders through the fulfillment pipeline",
		Long: `Run one or more orders through the fulfillment pipeline.

Each order file is a YAML document. Runs, their events and delivery poll
progress are recorded in the SQLite database, so an interrupted delivery
poll resumes where it stopped when the same order runs again.

Exit codes:
  0 - Every order was fulfilled
  1 - One or more orders failed or were cancelled
  2 - Command error (unreadable order, database error, etc.)

Examples:
  fulfil run order.yaml
  fulfil run --db ./fulfil.db --parallel 4 orders/*.yaml
  fulfil run --dispatch-url http://localhost:9998 --metrics-addr :9464 order.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrders(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.DispatchURL, "dispatch-url", "", "delivery service base URL (default from config)")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 1, "number of orders run at once")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runOrders(opts *RunOptions, files []string, cmd *cobra.Command) error {
	if opts.Parallel < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--parallel must be >= 1, got %d", opts.Parallel))
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(opts, cfg)
	logger := opts.logger()

	orders := make([]fulfillment.Order, len(files))
	for i, f := range files {
		o, err := fulfillment.LoadOrder(f)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load order %s", f), err)
		}
		orders[i] = o
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	provider, err := telemetry.Setup(cfg.Metrics.Exporter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up metrics", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("error shutting down metrics", "error", err)
		}
	}()
	metrics, err := provider.Observer()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create metrics", err)
	}
	if h := provider.Handler(); h != nil && cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, h, logger)
		defer stop()
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder := store.NewEventRecorder(st, logger)
	async := engine.NewAsyncObserver(recorder)
	engineOpts := []engine.EngineOption{
		engine.WithObserver(engine.MultiObserver{engine.NewLogObserver(logger), metrics, async}),
		engine.WithLogger(logger),
		engine.WithDefaultPolicy(cfg.Activity.Retry),
		engine.WithDefaultTimeout(cfg.Activity.Timeout),
		engine.WithCompensationPolicy(cfg.CompensationPolicy()),
	}
	if opts.Sleeper != nil {
		engineOpts = append(engineOpts, engine.WithSleeper(opts.Sleeper))
	}
	eng := engine.New(engineOpts...)

	drivers := opts.Drivers
	if drivers == nil {
		drivers = dispatch.NewClient(cfg.DispatchURL, dispatch.WithLogger(logger))
	}
	pipeline := fulfillment.NewPipeline(eng, &fulfillment.Activities{
		Inventory: fulfillment.NewMemoryInventory(),
		Billing:   fulfillment.NewMemoryBilling(),
		Drivers:   drivers,
		Logger:    logger,
	}, st, cfg.PipelineOptions())

	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = engine.UUIDv7Generator{}
	}

	outcomes := make([]OrderOutcome, len(orders))
	var g errgroup.Group
	g.SetLimit(opts.Parallel)
	for i, order := range orders {
		runID := runIDs.Generate()
		g.Go(func() error {
			outcomes[i] = runOrder(ctx, st, pipeline, files[i], runID, order)
			return nil
		})
	}
	_ = g.Wait()
	async.Close()
	if err := recorder.Err(); err != nil {
		slog.Warn("run log is incomplete", "error", err)
	}

	return reportOutcomes(opts.formatter(cmd), outcomes)
}

func applyRunFlags(opts *RunOptions, cfg *config.Config) {
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.DispatchURL != "" {
		cfg.DispatchURL = opts.DispatchURL
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Exporter = "prometheus"
		cfg.Metrics.Addr = opts.MetricsAddr
	}
}

func runOrder(ctx context.Context, st *store.Store, p *fulfillment.Pipeline, file, runID string, order fulfillment.Order) OrderOutcome {
	out := OrderOutcome{File: file, OrderNumber: order.OrderNumber, RunID: runID, Status: ir.RunStatusFailed}

	if err := st.WriteRun(ctx, ir.RunRecord{
		ID:       runID,
		Pipeline: fulfillment.PipelineName,
		Key:      order.OrderNumber,
		Payload:  order.Payload(),
	}); err != nil {
		out.ErrorCode = "E_STORE"
		out.Message = err.Error()
		return out
	}

	res, err := p.Run(ctx, runID, order)
	if res != nil && res.Run != nil {
		out.Compensated = res.Run.Compensated
	}
	switch {
	case err == nil:
		out.Status = ir.RunStatusSucceeded
		out.Confirmation = &res.Confirmation
	case engine.IsCancelled(err):
		out.Status = ir.RunStatusCancelled
		out.ErrorCode = engine.FailureCode(err)
		out.Message = err.Error()
	default:
		f := engine.AsFailure(err)
		out.ErrorCode = f.Code
		out.Message = f.Message
	}
	return out
}

func reportOutcomes(f *OutputFormatter, outcomes []OrderOutcome) error {
	failed := 0
	var b strings.Builder
	for _, o := range outcomes {
		switch o.Status {
		case ir.RunStatusSucceeded:
			c := o.Confirmation
			fmt.Fprintf(&b, "✓ %s %s confirmation=%s amount=%d", o.OrderNumber, c.Status, c.ConfirmationNumber, c.Amount)
			if c.DeliveryService != "" {
				fmt.Fprintf(&b, " delivery=%s", c.DeliveryService)
			}
			fmt.Fprintf(&b, " run=%s\n", o.RunID)
		default:
			failed++
			fmt.Fprintf(&b, "✗ %s %s [%s] %s run=%s\n", o.OrderNumber, o.Status, o.ErrorCode, o.Message, o.RunID)
			if len(o.Compensated) > 0 {
				fmt.Fprintf(&b, "  compensated: %s\n", strings.Join(o.Compensated, ", "))
			}
		}
	}
	fmt.Fprintf(&b, "\n%d fulfilled, %d failed, %d total", len(outcomes)-failed, failed, len(outcomes))

	if err := f.Success(outcomes, b.String()); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d order(s) not fulfilled", failed))
	}
	return nil
}

// serveMetrics serves h on addr under /metrics until the returned func is
// called.
func serveMetrics(addr string, h http.Handler, logger *slog.Logger) func() {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(h))

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
