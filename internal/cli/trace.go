package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fulfil/internal/harness"
	"github.com/roach88/fulfil/internal/ir"
	"github.com/roach88/fulfil/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Step     string // optional - filter to one step or task
	Order    string // list the runs of an order instead
}

// TraceResult holds the recorded history of a run.
type TraceResult struct {
	Run    ir.RunRecord `json:"run"`
	Events []ir.Event   `json:"events"`
	Stats  TraceStats   `json:"stats"`
}

// TraceStats summarizes a run's events.
type TraceStats struct {
	TotalEvents   int `json:"total_events"`
	Attempts      int `json:"attempts"`
	Retries       int `json:"retries"`
	Compensations int `json:"compensations"`
	ProgressSaves int `json:"progress_saves"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [run-id]",
		Short: "Show the recorded events of a run",
		Long: `Show the event log of a pipeline run.

Every attempt, retry, compensation and progress checkpoint of a run is
recorded in the database. With --order, lists the runs of an order instead.

Examples:
  fulfil trace --db ./fulfil.db 0192b3c4-...
  fulfil trace --db ./fulfil.db 0192b3c4-... --step send-bill
  fulfil trace --db ./fulfil.db --order Z1238 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Order != "" {
				return runListRuns(opts, cmd)
			}
			if len(args) == 0 {
				return NewExitError(ExitCommandError, "a run ID or --order is required")
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Step, "step", "", "only show events of this step or task")
	cmd.Flags().StringVar(&opts.Order, "order", "", "list the runs of this order number")

	return cmd
}

// openStore opens the --db database, falling back to the configured one.
func openStore(root *RootOptions, database string) (*store.Store, error) {
	if database == "" {
		cfg, err := root.loadConfig()
		if err != nil {
			return nil, err
		}
		database = cfg.Database
	}
	st, err := store.Open(database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runTrace(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	st, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.ReadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	events, err := st.ReadEvents(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := TraceResult{Run: run, Events: filterEvents(events, opts.Step)}
	result.Stats = traceStats(result.Events)

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s, order %s): %s", run.ID, run.Pipeline, run.Key, run.Status)
	if run.ErrorCode != "" {
		fmt.Fprintf(&b, " [%s] %s", run.ErrorCode, run.ErrorMessage)
	}
	b.WriteString("\n\n")
	b.WriteString(harness.FormatTrace(result.Events))
	fmt.Fprintf(&b, "\n%d events, %d attempts, %d retries, %d compensations, %d progress saves",
		result.Stats.TotalEvents, result.Stats.Attempts, result.Stats.Retries,
		result.Stats.Compensations, result.Stats.ProgressSaves)

	return opts.formatter(cmd).Success(result, b.String())
}

func runListRuns(opts *TraceOptions, cmd *cobra.Command) error {
	st, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(commandContext(cmd), opts.Order)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if runs == nil {
		runs = []ir.RunRecord{}
	}

	var b strings.Builder
	if len(runs) == 0 {
		fmt.Fprintf(&b, "No runs found for order: %s", opts.Order)
	}
	for i, r := range runs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s", r.ID, r.Status)
		if r.ErrorCode != "" {
			fmt.Fprintf(&b, " [%s]", r.ErrorCode)
		}
	}
	return opts.formatter(cmd).Success(runs, b.String())
}

// filterEvents keeps pipeline-level events plus those of step. Resumable
// task events match on the step suffix of their task ID.
func filterEvents(events []ir.Event, step string) []ir.Event {
	if step == "" {
		return events
	}
	out := []ir.Event{}
	for _, e := range events {
		if e.Step == "" || e.Step == step || strings.HasSuffix(e.Step, "/"+step) {
			out = append(out, e)
		}
	}
	return out
}

func traceStats(events []ir.Event) TraceStats {
	s := TraceStats{TotalEvents: len(events)}
	for _, e := range events {
		switch e.Kind {
		case ir.EventAttemptStarted:
			s.Attempts++
		case ir.EventRetryScheduled:
			s.Retries++
		case ir.EventCompensationInvoked:
			s.Compensations++
		case ir.EventProgressSaved:
			s.ProgressSaves++
		}
	}
	return s
}
