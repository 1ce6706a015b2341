package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fulfil/internal/store"
)

// ProgressOptions holds flags for the progress commands.
type ProgressOptions struct {
	*RootOptions
	Database string
}

// NewProgressCommand creates the progress command and its subcommands.
func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProgressOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or reset resumable task progress",
		Long: `Inspect or reset the progress tokens of resumable tasks.

A delivery poll is identified as "<order-number>/poll-delivery-driver". Its
token is the last completed poll; a new run of the order resumes after it.

Examples:
  fulfil progress show --db ./fulfil.db
  fulfil progress show --db ./fulfil.db Z1238/poll-delivery-driver
  fulfil progress clear --db ./fulfil.db Z1238/poll-delivery-driver`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	show := &cobra.Command{
		Use:           "show [task-id]",
		Short:         "Show stored progress",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgressShow(opts, args, cmd)
		},
	}
	clearCmd := &cobra.Command{
		Use:           "clear <task-id>",
		Short:         "Delete stored progress so the task starts afresh",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgressClear(opts, args[0], cmd)
		},
	}
	cmd.AddCommand(show, clearCmd)

	return cmd
}

func runProgressShow(opts *ProgressOptions, args []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	st, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var tokens []store.ProgressToken
	if len(args) == 1 {
		tok, err := st.ReadProgress(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("no progress stored for %s", args[0]))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read progress", err)
		}
		tokens = []store.ProgressToken{tok}
	} else {
		tokens, err = st.ListProgress(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list progress", err)
		}
		if tokens == nil {
			tokens = []store.ProgressToken{}
		}
	}

	var b strings.Builder
	if len(tokens) == 0 {
		b.WriteString("No progress stored.")
	}
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s progress=%d saves=%d", t.TaskID, t.Progress, t.Saves)
		if t.Done {
			b.WriteString(" done")
		}
	}
	return opts.formatter(cmd).Success(tokens, b.String())
}

func runProgressClear(opts *ProgressOptions, taskID string, cmd *cobra.Command) error {
	st, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ClearProgress(commandContext(cmd), taskID); err != nil {
		return WrapExitError(ExitCommandError, "failed to clear progress", err)
	}
	return opts.formatter(cmd).Success(map[string]string{"cleared": taskID}, fmt.Sprintf("Cleared progress for %s", taskID))
}
