package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/fulfil/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string     // Assertion type for categorization
	Expected string     // Human-readable expected outcome
	Actual   string     // Human-readable actual outcome
	Trace    []ir.Event // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  %s\n", FormatEvent(event))
	}
	return buf.String()
}

func matches(e ir.Event, a Assertion) bool {
	if string(e.Kind) != a.Kind {
		return false
	}
	if a.Step != "" && e.Step != a.Step {
		return false
	}
	return a.Code == "" || e.Code == a.Code
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []ir.Event, a Assertion) error {
	for _, e := range trace {
		if matches(e, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that events of a.Kind occur for a.Steps in the
// given order. Intervening events are allowed.
func assertTraceOrder(trace []ir.Event, a Assertion) error {
	positions := make(map[string]int)
	for i, e := range trace {
		if string(e.Kind) != a.Kind {
			continue
		}
		if _, seen := positions[e.Step]; !seen {
			positions[e.Step] = i + 1 // 1-indexed for readability
		}
	}

	for _, step := range a.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("%s for all of %v", a.Kind, a.Steps),
				Actual:   fmt.Sprintf("missing step: %s", step),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Steps); i++ {
		prev, curr := a.Steps[i-1], a.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("%s in order: %v", a.Kind, a.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly a.Count events match.
func assertTraceCount(trace []ir.Event, a Assertion) error {
	count := 0
	for _, e := range trace {
		if matches(e, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func describe(a Assertion) string {
	s := a.Kind
	if a.Step != "" {
		s += " step=" + a.Step
	}
	if a.Code != "" {
		s += " code=" + a.Code
	}
	return s
}

// EvaluateAssertions checks every assertion against the result's trace and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
