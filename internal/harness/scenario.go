package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/fulfillment"
	"github.com/roach88/fulfil/internal/ir"
)

// Scenario defines one fulfillment run and what it must produce.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Order is the payload. Nil uses fulfillment.SampleOrder().
	Order *fulfillment.Order `yaml:"order,omitempty"`

	// Faults make steps (or their compensations) fail.
	Faults []Fault `yaml:"faults,omitempty"`

	// Driver lists the HTTP statuses the delivery service answers with, in
	// order; the last one repeats. 0 simulates a transport error. Empty
	// means every poll is accepted.
	Driver []int `yaml:"driver,omitempty"`

	// Policy overrides the default activity retry policy.
	Policy *PolicyOverride `yaml:"policy,omitempty"`

	// SeedProgress, when positive, is stored as the delivery poll's
	// progress token before the run, as if an earlier run was interrupted.
	SeedProgress int64 `yaml:"seed_progress,omitempty"`

	// SeedResult, when set, marks the seeded poll as the one that found a
	// driver from this service, as if the earlier run stopped before the
	// token was cleared.
	SeedResult string `yaml:"seed_result,omitempty"`

	// CancelAfter, when positive, cancels the run right after the Nth event.
	CancelAfter int `yaml:"cancel_after,omitempty"`

	// RunID is the fixed run ID. Empty defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`

	Expect     Expect      `yaml:"expect"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Fault injects a failure into a step.
type Fault struct {
	Step         string `yaml:"step"`
	Code         string `yaml:"code"`
	Message      string `yaml:"message,omitempty"`
	NonRetryable bool   `yaml:"non_retryable,omitempty"`

	// Times is how many invocations fail before the real work runs again.
	// 0 fails every invocation.
	Times int `yaml:"times,omitempty"`

	// Undo targets the step's compensation instead of its work.
	Undo bool `yaml:"undo,omitempty"`
}

// PolicyOverride is the YAML form of a retry policy. Unset fields keep the
// pipeline defaults.
type PolicyOverride struct {
	InitialInterval    string   `yaml:"initial_interval,omitempty"`
	BackoffCoefficient float64  `yaml:"backoff_coefficient,omitempty"`
	MaximumInterval    string   `yaml:"maximum_interval,omitempty"`
	MaximumAttempts    int      `yaml:"maximum_attempts,omitempty"`
	NonRetryable       []string `yaml:"non_retryable,omitempty"`
}

// Expect is what the run must end with. Empty fields are not checked.
type Expect struct {
	Status          string   `yaml:"status"`
	ErrorCode       string   `yaml:"error_code,omitempty"`
	Amount          int      `yaml:"amount,omitempty"`
	DeliveryService string   `yaml:"delivery_service,omitempty"`
	Compensated     []string `yaml:"compensated,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of Kind (and Step, Code if set) exists
	// - "trace_order": events of Kind occur for Steps in this order
	// - "trace_count": events of Kind (and Step if set) occur Count times
	Type string `yaml:"type"`

	Kind  string   `yaml:"kind"`
	Step  string   `yaml:"step,omitempty"`
	Code  string   `yaml:"code,omitempty"`
	Steps []string `yaml:"steps,omitempty"`
	Count int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Run statuses a scenario can expect.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var knownKinds = []ir.EventKind{
	ir.EventAttemptStarted, ir.EventAttemptFailed, ir.EventRetryScheduled,
	ir.EventStepSucceeded, ir.EventStepFailed, ir.EventStepCancelled,
	ir.EventCompensationInvoked, ir.EventCompensationSucceeded, ir.EventCompensationFailed,
	ir.EventTaskResumed, ir.EventProgressSaved, ir.EventTaskCancelled,
	ir.EventPipelineStarted, ir.EventPipelineSucceeded, ir.EventPipelineFailed, ir.EventPipelineCancelled,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every .yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	slices.Sort(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch s.Expect.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
	case "":
		return fmt.Errorf("expect.status is required")
	default:
		return fmt.Errorf("expect.status: unknown status %q", s.Expect.Status)
	}

	if s.Order != nil {
		if err := s.Order.Validate(); err != nil {
			return fmt.Errorf("order: %w", err)
		}
	}

	for i, f := range s.Faults {
		if f.Step == "" {
			return fmt.Errorf("faults[%d]: step is required", i)
		}
		if f.Code == "" {
			return fmt.Errorf("faults[%d]: code is required", i)
		}
		if f.Times < 0 {
			return fmt.Errorf("faults[%d]: times must be non-negative", i)
		}
	}

	for i, status := range s.Driver {
		if status != 0 && (status < 100 || status > 599) {
			return fmt.Errorf("driver[%d]: %d is not an HTTP status", i, status)
		}
	}

	if s.Policy != nil {
		if _, err := s.Policy.apply(fulfillment.DefaultOptions().Policy); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}

	if s.SeedProgress < 0 || s.CancelAfter < 0 {
		return fmt.Errorf("seed_progress and cancel_after must be non-negative")
	}
	if s.SeedResult != "" && s.SeedProgress == 0 {
		return fmt.Errorf("seed_result requires seed_progress")
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if !slices.Contains(knownKinds, ir.EventKind(a.Kind)) {
		return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Kind)
	}

	switch a.Type {
	case AssertTraceContains:
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// apply overlays the override on base and validates the result.
func (p *PolicyOverride) apply(base engine.RetryPolicy) (engine.RetryPolicy, error) {
	out := base
	if p.InitialInterval != "" {
		d, err := time.ParseDuration(p.InitialInterval)
		if err != nil {
			return out, fmt.Errorf("initial_interval: %w", err)
		}
		out.InitialInterval = d
	}
	if p.MaximumInterval != "" {
		d, err := time.ParseDuration(p.MaximumInterval)
		if err != nil {
			return out, fmt.Errorf("maximum_interval: %w", err)
		}
		out.MaximumInterval = d
	}
	if p.BackoffCoefficient != 0 {
		out.BackoffCoefficient = p.BackoffCoefficient
	}
	if p.MaximumAttempts != 0 {
		out.MaximumAttempts = p.MaximumAttempts
	}
	if p.NonRetryable != nil {
		out.NonRetryableErrorCodes = slices.Clone(p.NonRetryable)
	}
	return out, out.Validate()
}
