package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fulfil/internal/dispatch"
)

// DispatchStubOptions holds flags for the dispatch-stub command.
type DispatchStubOptions struct {
	*RootOptions
	Addr      string
	Mode      string
	Latency   time.Duration
	BusyPolls int
}

// NewDispatchStubCommand creates the dispatch-stub command.
func NewDispatchStubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchStubOptions{RootOptions: rootOpts}
	defaults := dispatch.DefaultStubConfig()

	cmd := &cobra.Command{
		Use:   "dispatch-stub",
		Short: "Serve a stand-in delivery service",
		Long: `Serve a stand-in external delivery service for local runs.

POST /findExternalDeliveryDriver answers according to --mode:
  accept - assign a driver on every request
  busy   - never find a driver (404)
  flaky  - 404 for the first --busy-polls requests of an order, then accept
  reject - refuse the order (403)
  error  - fail with 500

Examples:
  fulfil dispatch-stub
  fulfil dispatch-stub --addr :9998 --mode flaky --busy-polls 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatchStub(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":9998", "listen address")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(defaults.Mode), "answer mode (accept|busy|flaky|reject|error)")
	cmd.Flags().DurationVar(&opts.Latency, "latency", defaults.Latency, "delay before each answer")
	cmd.Flags().IntVar(&opts.BusyPolls, "busy-polls", defaults.BusyPolls, "requests per order turned away in flaky mode")

	return cmd
}

func runDispatchStub(opts *DispatchStubOptions, cmd *cobra.Command) error {
	mode, err := dispatch.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --mode", err)
	}
	logger := opts.logger()

	cfg := dispatch.DefaultStubConfig()
	cfg.Mode = mode
	cfg.Latency = opts.Latency
	cfg.BusyPolls = opts.BusyPolls
	stub := dispatch.NewStub(cfg, logger)

	srv := &http.Server{Addr: opts.Addr, Handler: stub.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("dispatch stub listening", "addr", opts.Addr, "mode", mode)
	fmt.Fprintf(cmd.OutOrStdout(), "Delivery service stub on %s (mode %s). Press Ctrl-C to stop.\n", opts.Addr, mode)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "dispatch stub failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "dispatch stub shutdown", err)
	}
	logger.Info("dispatch stub stopped")
	return nil
}
