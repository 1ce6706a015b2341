package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a scenario result for golden comparison: a short
// header followed by one trace event per line.
func Snapshot(scenario *Scenario, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", scenario.Name)
	fmt.Fprintf(&b, "status: %s\n", result.Status)
	if result.ErrorCode != "" {
		fmt.Fprintf(&b, "error_code: %s\n", result.ErrorCode)
	}
	if len(result.Compensated) > 0 {
		fmt.Fprintf(&b, "compensated: %s\n", strings.Join(result.Compensated, ", "))
	}
	if len(result.Sleeps) > 0 {
		sleeps := make([]string, len(result.Sleeps))
		for i, d := range result.Sleeps {
			sleeps[i] = d.String()
		}
		fmt.Fprintf(&b, "sleeps: %s\n", strings.Join(sleeps, " "))
	}
	b.WriteString("---\n")
	b.WriteString(FormatTrace(result.Trace))
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass; returns an error only if
// the scenario could not be executed.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, Snapshot(scenario, result))
}

// CompareGolden checks a result against the golden file in dir without a
// testing.T, for the CLI. With update set the file is rewritten instead.
// Returns a non-nil error describing the mismatch.
func CompareGolden(dir string, scenario *Scenario, result *Result, update bool) error {
	return compareGoldenFile(dir, scenario.Name, Snapshot(scenario, result), update)
}

// ErrGoldenMismatch is returned by CompareGolden when a snapshot differs
// from its golden file.
var ErrGoldenMismatch = errors.New("golden mismatch")

func compareGoldenFile(dir, name string, actual []byte, update bool) error {
	path := filepath.Join(dir, name+".golden")
	if update {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("update golden %s: %w", path, err)
		}
		if err := os.WriteFile(path, actual, 0o644); err != nil {
			return fmt.Errorf("update golden %s: %w", path, err)
		}
		return nil
	}

	expected, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read golden %s: %w", path, err)
	}
	if bytes.Equal(expected, actual) {
		return nil
	}
	return fmt.Errorf("%w: %s\n%s", ErrGoldenMismatch, path, firstDifference(expected, actual))
}

// firstDifference describes the first line where two snapshots diverge.
func firstDifference(expected, actual []byte) string {
	want := strings.Split(string(expected), "\n")
	got := strings.Split(string(actual), "\n")
	for i := 0; i < max(len(want), len(got)); i++ {
		var w, g string
		if i < len(want) {
			w = want[i]
		}
		if i < len(got) {
			g = got[i]
		}
		if w != g {
			return fmt.Sprintf("line %d:\n  want: %s\n  got:  %s", i+1, w, g)
		}
	}
	return "snapshots differ"
}
