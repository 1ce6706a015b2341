package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/fulfil/internal/ir"
)

// Compensation describes an undo obligation: which step to revert plus the
// input it ran with and the result it produced. It holds data only, no
// closures; the orchestrator looks the Undo up by step name.
type Compensation struct {
	Step   string
	Input  Input
	Result any
}

// CompensationLog is the ordered record of undo obligations for one run.
// It is appended to during the forward pass and drained exactly once, in
// reverse order, when the run fails.
//
// Not safe for concurrent use; a run has a single thread of control.
type CompensationLog struct {
	entries []Compensation
	drained bool
}

// Append registers c. Appending to a drained log is a programming error.
func (l *CompensationLog) Append(c Compensation) error {
	if l.drained {
		return fmt.Errorf("compensation log already drained, cannot append %q", c.Step)
	}
	l.entries = append(l.entries, c)
	return nil
}

// Len returns the number of registered compensations.
func (l *CompensationLog) Len() int {
	return len(l.entries)
}

// Entries returns the registered compensations in registration order.
func (l *CompensationLog) Entries() []Compensation {
	return slices.Clone(l.entries)
}

// Drain returns the compensations in reverse registration order and empties
// the log. Subsequent calls return nil.
func (l *CompensationLog) Drain() []Compensation {
	if l.drained {
		return nil
	}
	l.drained = true
	out := slices.Clone(l.entries)
	slices.Reverse(out)
	l.entries = nil
	return out
}

// Phase is the coarse state of a pipeline run.
type Phase int

const (
	PhaseRunning Phase = iota + 1
	PhaseSucceeded
	PhaseCompensating
	PhaseFailed
	PhaseCancelled
)

// State is a pipeline state: Running(i), Succeeded, Compensating(n),
// Failed or Cancelled. Index is the step index while running and the number
// of compensations still pending while compensating.
type State struct {
	Phase Phase
	Index int
}

// String renders the state, e.g. "Running(2)" or "Compensating(1)".
func (s State) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("Running(%d)", s.Index)
	case PhaseSucceeded:
		return "Succeeded"
	case PhaseCompensating:
		return fmt.Sprintf("Compensating(%d)", s.Index)
	case PhaseFailed:
		return "Failed"
	case PhaseCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed || s.Phase == PhaseCancelled
}

// CompensationFailure records an undo action that could not complete.
// Such failures are reported, never propagated in place of the original
// error.
type CompensationFailure struct {
	Step     string
	Attempts int
	Err      error
}

// PipelineResult is the outcome of RunPipeline.
type PipelineResult struct {
	RunID   string
	State   State
	Results map[string]any

	// Transitions lists every state the run passed through, in order.
	Transitions []State

	// FailedStep names the step whose terminal failure or cancellation
	// ended the forward pass.
	FailedStep string

	// Compensated lists the steps whose undo succeeded, in execution order.
	Compensated          []string
	CompensationFailures []CompensationFailure
}

// Succeeded reports whether the run completed every step.
func (r *PipelineResult) Succeeded() bool {
	return r.State.Phase == PhaseSucceeded
}

func (r *PipelineResult) transition(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// RunPipeline executes steps in order, registering each successful
// compensable step's undo obligation. The first terminal failure or
// cancellation stops the forward pass, after which every registered
// compensation runs exactly once in reverse order.
//
// Compensations run under a context detached from ctx's cancellation, so a
// cancelled run still reverts its side effects. A failing compensation is
// recorded on the result and observed, and the remaining compensations
// still run. The returned error is always the error that ended the forward
// pass: a *StepError or a *CancelledError.
//
// An empty runID is replaced by one from the engine's RunIDGenerator.
func (e *Engine) RunPipeline(ctx context.Context, runID string, payload any, steps []Step) (*PipelineResult, error) {
	if runID == "" {
		runID = e.runIDs.Generate()
	}
	res := &PipelineResult{RunID: runID, Results: make(map[string]any, len(steps))}

	// Every run that ends with a terminal event starts with this one.
	e.emit(ir.Event{RunID: runID, Kind: ir.EventPipelineStarted})

	byName, err := indexSteps(steps)
	if err != nil {
		res.transition(State{Phase: PhaseFailed})
		e.emit(ir.Event{RunID: runID, Kind: ir.EventPipelineFailed, Code: err.Failure.Code, Message: err.Failure.Message})
		return res, err
	}
	log := &CompensationLog{}

	for i, step := range steps {
		res.transition(State{Phase: PhaseRunning, Index: i})

		in := Input{RunID: runID, Payload: payload, Results: copyResults(res.Results)}
		result, err := e.Execute(ctx, step, in, e.policyFor(step), e.timeoutFor(step))
		if err != nil {
			res.FailedStep = step.Name
			e.compensate(ctx, runID, log, byName, res)
			if IsCancelled(err) {
				res.transition(State{Phase: PhaseCancelled})
				e.emit(ir.Event{RunID: runID, Kind: ir.EventPipelineCancelled, Step: step.Name, Code: "Cancelled"})
			} else {
				f := AsFailure(err)
				res.transition(State{Phase: PhaseFailed})
				e.emit(ir.Event{RunID: runID, Kind: ir.EventPipelineFailed, Step: step.Name, Code: f.Code, Message: f.Message})
			}
			return res, err
		}

		res.Results[step.Name] = result
		if step.CanCompensate() {
			// The log is private to this run and never drained before this
			// point, so Append cannot fail here.
			_ = log.Append(Compensation{Step: step.Name, Input: in, Result: result})
		}
	}

	res.transition(State{Phase: PhaseSucceeded})
	e.emit(ir.Event{RunID: runID, Kind: ir.EventPipelineSucceeded})
	return res, nil
}

func (e *Engine) compensate(ctx context.Context, runID string, log *CompensationLog, byName map[string]Step, res *PipelineResult) {
	pending := log.Drain()
	if len(pending) == 0 {
		return
	}
	cctx := context.WithoutCancel(ctx)

	for i, c := range pending {
		res.transition(State{Phase: PhaseCompensating, Index: len(pending) - i})
		step := byName[c.Step]

		attempts, err := e.undo(cctx, runID, step, c)
		if err != nil {
			res.CompensationFailures = append(res.CompensationFailures, CompensationFailure{Step: c.Step, Attempts: attempts, Err: err})
			f := AsFailure(err)
			e.emit(ir.Event{RunID: runID, Kind: ir.EventCompensationFailed, Step: c.Step, Attempt: attempts, Code: f.Code, Message: f.Message})
			continue
		}
		res.Compensated = append(res.Compensated, c.Step)
		e.emit(ir.Event{RunID: runID, Kind: ir.EventCompensationSucceeded, Step: c.Step, Attempt: attempts})
	}
}

// undo invokes a step's compensating action under the engine's
// CompensationPolicy. Returns the number of attempts made.
func (e *Engine) undo(ctx context.Context, runID string, step Step, c Compensation) (int, error) {
	limit := e.compensation.attempts()
	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			if serr := e.sleeper.Sleep(ctx, e.compensation.Interval); serr != nil {
				return attempt - 1, serr
			}
		}
		e.emit(ir.Event{RunID: runID, Kind: ir.EventCompensationInvoked, Step: c.Step, Attempt: attempt})
		err = e.invokeUndo(ctx, step, e.stepContext(runID, c.Step, attempt), c)
		if err == nil {
			return attempt, nil
		}
		if IsNonRetryable(err) {
			return attempt, err
		}
	}
	return limit, err
}

func (e *Engine) invokeUndo(ctx context.Context, step Step, sc StepContext, c Compensation) (err error) {
	if timeout := e.timeoutFor(step); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NewFailure(CodePanic, fmt.Sprint(r))
		}
	}()
	return step.Undo(ctx, sc, c)
}

func indexSteps(steps []Step) (map[string]Step, *StepError) {
	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		if _, dup := byName[s.Name]; dup {
			return nil, &StepError{Step: s.Name, Failure: NewNonRetryable(CodeInvalidStep, fmt.Sprintf("duplicate step name %q", s.Name))}
		}
		byName[s.Name] = s
	}
	return byName, nil
}
