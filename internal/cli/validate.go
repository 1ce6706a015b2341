package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fulfil/internal/config"
	"github.com/roach88/fulfil/internal/fulfillment"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool             `json:"valid"`
	Config string           `json:"config,omitempty"`
	Errors []ValidationItem `json:"errors,omitempty"`
}

// ValidationItem is one problem found in a file.
type ValidationItem struct {
	File    string `json:"file"`
	Field   string `json:"field,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [order-file]...",
		Short: "Validate the config and order files without running them",
		Long: `Validate the --config file against its schema and check that each
order file parses and carries the fields the pipeline needs.

Examples:
  fulfil validate --config fulfil.cue
  fulfil validate order.yaml other-order.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	result := ValidationResult{Valid: true}

	if opts.ConfigPath != "" {
		result.Config = opts.ConfigPath
		f.VerboseLog("validating config %s", opts.ConfigPath)
		if _, err := config.Load(opts.ConfigPath); err != nil {
			result.Errors = append(result.Errors, configItem(opts.ConfigPath, err))
		}
	}
	for _, file := range files {
		f.VerboseLog("validating order %s", file)
		if _, err := fulfillment.LoadOrder(file); err != nil {
			result.Errors = append(result.Errors, ValidationItem{File: file, Message: err.Error()})
		}
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		if f.JSON() {
			if err := f.Error("E_INVALID", fmt.Sprintf("%d problem(s) found", len(result.Errors)), result.Errors); err != nil {
				return err
			}
		} else {
			var b strings.Builder
			for _, item := range result.Errors {
				fmt.Fprintf(&b, "✗ %s", item.File)
				if item.Line > 0 {
					fmt.Fprintf(&b, ":%d", item.Line)
				}
				if item.Field != "" {
					fmt.Fprintf(&b, " %s", item.Field)
				}
				fmt.Fprintf(&b, ": %s\n", item.Message)
			}
			fmt.Fprint(f.Writer, b.String())
		}
		return NewExitError(ExitFailure, "validation failed")
	}
	return f.Success(result, fmt.Sprintf("✓ %d file(s) valid", len(files)+boolInt(opts.ConfigPath != "")))
}

func configItem(path string, err error) ValidationItem {
	item := ValidationItem{File: path, Message: err.Error()}
	var cerr *config.Error
	if errors.As(err, &cerr) {
		item.Field = cerr.Field
		item.Message = cerr.Message
		if cerr.Pos.IsValid() {
			item.Line = cerr.Pos.Line()
		}
	}
	return item
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
