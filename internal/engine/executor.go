package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fulfil/internal/ir"
)

// Execute runs step under policy until it succeeds, fails terminally or is
// cancelled.
//
// Every attempt runs under its own timeout derived from ctx. A failed attempt
// is classified with AsFailure and handed to policy.ShouldRetry; retries wait
// on the engine's Sleeper, which returns early if ctx is cancelled.
//
// Returns the step result on success, a *StepError once retries are
// exhausted or the failure is non-retryable, or a *CancelledError when ctx
// ends first. Execute never touches a compensation log; registering undo
// actions is the orchestrator's job.
func (e *Engine) Execute(ctx context.Context, step Step, in Input, policy RetryPolicy, timeout time.Duration) (any, error) {
	if err := validateStep(step, policy); err != nil {
		e.emit(ir.Event{RunID: in.RunID, Kind: ir.EventStepFailed, Step: step.Name, Code: err.Failure.Code, Message: err.Failure.Message})
		return nil, err
	}

	var (
		attempts []AttemptRecord
		delay    time.Duration
	)
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, e.cancelled(ctx, in.RunID, step.Name, attempt)
		}

		e.emit(ir.Event{RunID: in.RunID, Kind: ir.EventAttemptStarted, Step: step.Name, Attempt: attempt})
		result, err := e.runAttempt(ctx, step, e.stepContext(in.RunID, step.Name, attempt), in, timeout)
		if err == nil {
			e.emit(ir.Event{RunID: in.RunID, Kind: ir.EventStepSucceeded, Step: step.Name, Attempt: attempt})
			return result, nil
		}
		if ctx.Err() != nil || IsCancelled(err) {
			return nil, e.cancelled(ctx, in.RunID, step.Name, attempt)
		}

		f := AsFailure(err)
		attempts = append(attempts, AttemptRecord{Attempt: attempt, Delay: delay, Failure: f})
		e.emit(ir.Event{RunID: in.RunID, Kind: ir.EventAttemptFailed, Step: step.Name, Attempt: attempt, Code: f.Code, Message: f.Message})

		decision := policy.ShouldRetry(attempt, f)
		if !decision.Retry {
			e.emit(ir.Event{RunID: in.RunID, Kind: ir.EventStepFailed, Step: step.Name, Attempt: attempt, Code: f.Code, Message: f.Message})
			return nil, &StepError{Step: step.Name, Attempts: attempts, Failure: f}
		}

		e.emit(ir.Event{RunID: in.RunID, Kind: ir.EventRetryScheduled, Step: step.Name, Attempt: attempt, Code: f.Code, Delay: decision.Delay})
		if err := e.sleeper.Sleep(ctx, decision.Delay); err != nil {
			return nil, e.cancelled(ctx, in.RunID, step.Name, attempt)
		}
		delay = decision.Delay
	}
}

// ExecuteStep runs step with its own policy and timeout, falling back to
// the engine defaults.
func (e *Engine) ExecuteStep(ctx context.Context, step Step, in Input) (any, error) {
	return e.Execute(ctx, step, in, e.policyFor(step), e.timeoutFor(step))
}

// runAttempt invokes the work once. The work runs in its own goroutine so
// an attempt whose deadline passes can be abandoned even if the work
// ignores its context; the buffered channel lets that goroutine finish
// without leaking a blocked send. After cancellation of ctx the work is
// given until the attempt's deadline to return, then abandoned too.
func (e *Engine) runAttempt(ctx context.Context, step Step, sc StepContext, in Input, timeout time.Duration) (any, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewFailure(CodePanic, fmt.Sprint(r))}
			}
		}()
		in := Input{RunID: in.RunID, Payload: in.Payload, Results: copyResults(in.Results)}
		v, err := step.Work(attemptCtx, sc, in)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !isCoded(o.err) {
			return nil, timeoutFailure(CodeTimeout, timeout)
		}
		return o.value, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Work that honors cancellation returns before the step is
			// marked cancelled. Without a timeout there is no bound.
			deadline, bounded := attemptCtx.Deadline()
			if !bounded {
				o := <-done
				return o.value, o.err
			}
			grace := time.NewTimer(time.Until(deadline))
			defer grace.Stop()
			select {
			case o := <-done:
				return o.value, o.err
			case <-grace.C:
				return nil, ctx.Err()
			}
		}
		select {
		case o := <-done:
			return o.value, o.err
		default:
		}
		return nil, timeoutFailure(CodeTimeout, timeout)
	}
}

func (e *Engine) cancelled(ctx context.Context, runID, step string, attempt int) error {
	ce := cancelledError(step, ctx)
	e.emit(ir.Event{RunID: runID, Kind: ir.EventStepCancelled, Step: step, Attempt: attempt, Message: ce.Cause.Error()})
	return ce
}

// isCoded reports whether err already carries a Failure with its own code.
func isCoded(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

func validateStep(step Step, policy RetryPolicy) *StepError {
	var f *Failure
	switch {
	case step.Name == "":
		f = NewNonRetryable(CodeInvalidStep, "step has no name")
	case step.Work == nil:
		f = NewNonRetryable(CodeInvalidStep, fmt.Sprintf("step %q has no work", step.Name))
	default:
		if err := policy.Validate(); err != nil {
			f = &Failure{Code: CodeInvalidStep, Message: err.Error(), NonRetryable: true, Cause: err}
		}
	}
	if f == nil {
		return nil
	}
	return &StepError{Step: step.Name, Failure: f}
}
