package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/ir"
)

func sampleTrace() []ir.Event {
	return []ir.Event{
		{Seq: 1, Kind: ir.EventPipelineStarted},
		{Seq: 2, Kind: ir.EventStepSucceeded, Step: "a", Attempt: 1},
		{Seq: 3, Kind: ir.EventAttemptFailed, Step: "b", Attempt: 1, Code: "Down"},
		{Seq: 4, Kind: ir.EventAttemptFailed, Step: "b", Attempt: 2, Code: "Down"},
		{Seq: 5, Kind: ir.EventStepSucceeded, Step: "b", Attempt: 3},
		{Seq: 6, Kind: ir.EventPipelineSucceeded},
	}
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	result := &Result{Trace: sampleTrace()}
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Kind: "attempt_failed", Step: "b", Code: "Down"},
		{Type: AssertTraceOrder, Kind: "step_succeeded", Steps: []string{"a", "b"}},
		{Type: AssertTraceCount, Kind: "attempt_failed", Step: "b", Count: 2},
		{Type: AssertTraceCount, Kind: "step_failed", Count: 0},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	result := &Result{Trace: sampleTrace()}

	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"contains wrong code", Assertion{Type: AssertTraceContains, Kind: "attempt_failed", Code: "Timeout"}, "not found in trace"},
		{"order reversed", Assertion{Type: AssertTraceOrder, Kind: "step_succeeded", Steps: []string{"b", "a"}}, "should be before"},
		{"order missing step", Assertion{Type: AssertTraceOrder, Kind: "step_succeeded", Steps: []string{"a", "c"}}, "missing step: c"},
		{"count", Assertion{Type: AssertTraceCount, Kind: "attempt_failed", Count: 1}, "2 occurrences"},
		{"unknown type", Assertion{Type: "trace_sum", Kind: "attempt_failed"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(result, []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 occurrences of step_failed",
		Actual:   "0 occurrences",
		Trace:    sampleTrace()[:1],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "0001 pipeline_started")
}
