package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/fulfillment"
	"github.com/roach88/fulfil/internal/ir"
	"github.com/roach88/fulfil/internal/store"
	"github.com/roach88/fulfil/internal/testutil"
)

// billingEpoch stamps confirmations so they do not depend on wall time.
var billingEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Harness is the scenario execution environment. It holds the
// deterministic collaborators of one run.
type Harness struct {
	store     *store.Store
	sleeper   *testutil.FakeSleeper
	events    *testutil.RecordingObserver
	recorder  *store.EventRecorder
	inventory *fulfillment.MemoryInventory
	billing   *fulfillment.MemoryBilling
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
// 1. Create fresh in-memory database and deterministic collaborators
// 2. Seed progress and record the run
// 3. Run the pipeline with the scenario's faults and driver replies
// 4. Check the expect clause and assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		store:     st,
		sleeper:   testutil.NewFakeSleeper(),
		events:    testutil.NewRecordingObserver(),
		recorder:  store.NewEventRecorder(st, logger),
		inventory: fulfillment.NewMemoryInventory(),
		billing:   fulfillment.NewMemoryBilling(),
		logger:    logger,
	}
	return h.run(scenario)
}

func (h *Harness) run(scenario *Scenario) (*Result, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	order := fulfillment.SampleOrder()
	if scenario.Order != nil {
		order = *scenario.Order
	}
	runID := testutil.NewFixedRunID(scenario.RunID).Generate()

	if scenario.SeedProgress > 0 {
		seed := engine.Checkpoint{Progress: scenario.SeedProgress}
		if scenario.SeedResult != "" {
			seed.Done, seed.Result = true, scenario.SeedResult
		}
		if err := h.store.SaveProgress(ctx, order.DeliveryTaskID(), seed); err != nil {
			return nil, fmt.Errorf("seed progress: %w", err)
		}
	}
	if err := h.store.WriteRun(ctx, ir.RunRecord{
		ID:       runID,
		Pipeline: fulfillment.PipelineName,
		Key:      order.OrderNumber,
		Status:   ir.RunStatusRunning,
		Payload:  order.Payload(),
	}); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	observers := engine.MultiObserver{h.events, h.recorder}
	if scenario.CancelAfter > 0 {
		observers = append(observers, cancelAfter(scenario.CancelAfter, cancel))
	}
	eng := engine.New(
		engine.WithSleeper(h.sleeper),
		engine.WithObserver(observers),
		engine.WithLogger(h.logger),
		engine.WithRunIDs(testutil.NewFixedRunID(runID)),
	)

	opts := fulfillment.DefaultOptions()
	if scenario.Policy != nil {
		policy, err := scenario.Policy.apply(opts.Policy)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		opts.Policy = policy
	}
	opts.Wrap = injectFaults(scenario.Faults)

	acts := &fulfillment.Activities{
		Inventory: h.inventory,
		Billing:   h.billing,
		Drivers:   newScriptedDriver(scenario.Driver),
		Logger:    h.logger,
		Now:       func() time.Time { return billingEpoch },
	}
	pipeline := fulfillment.NewPipeline(eng, acts, h.store, opts)

	res, runErr := pipeline.Run(ctx, runID, order)
	if res == nil {
		return nil, fmt.Errorf("run pipeline: %w", runErr)
	}

	result := NewResult()
	result.Trace = h.events.Events()
	result.Sleeps = h.sleeper.Sleeps()
	result.Compensated = res.Run.Compensated
	result.ErrorCode = engine.FailureCode(runErr)
	switch res.Run.State.Phase {
	case engine.PhaseSucceeded:
		result.Status = StatusSucceeded
		result.Confirmation = &res.Confirmation
	case engine.PhaseCancelled:
		result.Status = StatusCancelled
	default:
		result.Status = StatusFailed
	}

	if err := h.recorder.Err(); err != nil {
		result.AddError(fmt.Sprintf("run log: %v", err))
	} else if err := h.checkRunLog(context.WithoutCancel(ctx), runID, result); err != nil {
		result.AddError(err.Error())
	}

	for _, msg := range checkExpect(scenario.Expect, result) {
		result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// checkRunLog verifies that the SQLite run log saw the same run.
func (h *Harness) checkRunLog(ctx context.Context, runID string, result *Result) error {
	logged, err := h.store.ReadEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("run log: %w", err)
	}
	if len(logged) != len(result.Trace) {
		return fmt.Errorf("run log: recorded %d events, observed %d", len(logged), len(result.Trace))
	}
	run, err := h.store.ReadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run log: %w", err)
	}
	if string(run.Status) != result.Status {
		return fmt.Errorf("run log: status %s, run ended %s", run.Status, result.Status)
	}
	return nil
}

func checkExpect(want Expect, got *Result) []string {
	var errs []string
	if want.Status != got.Status {
		errs = append(errs, fmt.Sprintf("expect.status: want %s, got %s", want.Status, got.Status))
	}
	if want.ErrorCode != "" && want.ErrorCode != got.ErrorCode {
		errs = append(errs, fmt.Sprintf("expect.error_code: want %s, got %q", want.ErrorCode, got.ErrorCode))
	}
	if want.Amount != 0 {
		if got.Confirmation == nil {
			errs = append(errs, fmt.Sprintf("expect.amount: want %d, run has no confirmation", want.Amount))
		} else if got.Confirmation.Amount != want.Amount {
			errs = append(errs, fmt.Sprintf("expect.amount: want %d, got %d", want.Amount, got.Confirmation.Amount))
		}
	}
	if want.DeliveryService != "" {
		if got.Confirmation == nil || got.Confirmation.DeliveryService != want.DeliveryService {
			errs = append(errs, fmt.Sprintf("expect.delivery_service: want %s", want.DeliveryService))
		}
	}
	if want.Compensated != nil && !slices.Equal(want.Compensated, got.Compensated) {
		errs = append(errs, fmt.Sprintf("expect.compensated: want %v, got %v", want.Compensated, got.Compensated))
	}
	return errs
}

// cancelAfter cancels once n events have been observed.
func cancelAfter(n int, cancel context.CancelFunc) engine.Observer {
	var seen atomic.Int64
	return engine.ObserverFunc(func(ir.Event) {
		if seen.Add(1) == int64(n) {
			cancel()
		}
	})
}

// injectFaults wraps the steps named by faults.
func injectFaults(faults []Fault) func(engine.Step) engine.Step {
	return func(s engine.Step) engine.Step {
		for _, f := range faults {
			if f.Step != s.Name {
				continue
			}
			trip := newTrip(f)
			if f.Undo {
				if s.Undo == nil {
					continue
				}
				undo := s.Undo
				s.Undo = func(ctx context.Context, sc engine.StepContext, c engine.Compensation) error {
					if err := trip.fire(); err != nil {
						return err
					}
					return undo(ctx, sc, c)
				}
				continue
			}
			work := s.Work
			s.Work = func(ctx context.Context, sc engine.StepContext, in engine.Input) (any, error) {
				if err := trip.fire(); err != nil {
					return nil, err
				}
				return work(ctx, sc, in)
			}
		}
		return s
	}
}

type trip struct {
	fault Fault
	mu    sync.Mutex
	fired int
}

func newTrip(f Fault) *trip {
	return &trip{fault: f}
}

func (t *trip) fire() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault.Times > 0 && t.fired >= t.fault.Times {
		return nil
	}
	t.fired++
	msg := t.fault.Message
	if msg == "" {
		msg = "injected fault"
	}
	if t.fault.NonRetryable {
		return engine.NewNonRetryable(t.fault.Code, msg)
	}
	return engine.NewFailure(t.fault.Code, msg)
}

// errTransport is what the scripted driver returns for status 0.
var errTransport = errors.New("connection refused")

// scriptedDriver answers with a fixed sequence of statuses.
type scriptedDriver struct {
	mu       sync.Mutex
	statuses []int
	calls    int
}

func newScriptedDriver(statuses []int) *scriptedDriver {
	if len(statuses) == 0 {
		statuses = []int{200}
	}
	return &scriptedDriver{statuses: statuses}
}

func (d *scriptedDriver) FindDriver(context.Context, string) (int, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.statuses[min(d.calls, len(d.statuses)-1)]
	d.calls++
	if status == 0 {
		return 0, "", errTransport
	}
	return status, "DoorDash", nil
}
