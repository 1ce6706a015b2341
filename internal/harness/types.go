package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fulfil/internal/fulfillment"
	"github.com/roach88/fulfil/internal/ir"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when the expect clause and every assertion held.
	Pass bool `json:"pass"`

	Status       string                         `json:"status"`
	ErrorCode    string                         `json:"error_code,omitempty"`
	Confirmation *fulfillment.OrderConfirmation `json:"confirmation,omitempty"`
	Compensated  []string                       `json:"compensated,omitempty"`

	// Trace holds every engine event in emission order.
	Trace []ir.Event `json:"trace"`

	// Sleeps are the delays the run asked for, in order.
	Sleeps []time.Duration `json:"sleeps,omitempty"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []ir.Event{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// FormatEvent renders e on one line. Run IDs and messages are left out so
// the line depends only on what the engine did.
func FormatEvent(e ir.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%04d %s", e.Seq, e.Kind)
	if e.Step != "" {
		fmt.Fprintf(&b, " step=%s", e.Step)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Delay > 0 {
		fmt.Fprintf(&b, " delay=%s", e.Delay)
	}
	if e.Progress > 0 {
		fmt.Fprintf(&b, " progress=%d", e.Progress)
	}
	return b.String()
}

// FormatTrace renders a trace one event per line.
func FormatTrace(trace []ir.Event) string {
	var b strings.Builder
	for _, e := range trace {
		b.WriteString(FormatEvent(e))
		b.WriteByte('\n')
	}
	return b.String()
}
