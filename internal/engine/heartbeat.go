package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fulfil/internal/ir"
)

// IterationOutcome is what one iteration of a resumable task produced.
// Done ends the task early with success.
type IterationOutcome struct {
	Done  bool
	Value any
}

// IterationBody performs iteration number i (1-based). It must honor ctx.
type IterationBody func(ctx context.Context, i int64) (IterationOutcome, error)

// TaskResult summarizes one Run of a HeartbeatTask.
type TaskResult struct {
	TaskID string

	// StartedAt is the first iteration this Run executed (1, or token+1
	// when resuming). It stays 0 when the stored checkpoint had already
	// finished the task.
	StartedAt int64

	// LastProgress is the last iteration persisted, 0 if none.
	LastProgress int64

	// Iterations counts the iterations this Run completed.
	Iterations int

	Done      bool
	Exhausted bool
	Last      IterationOutcome
}

// HeartbeatTask is a long-running loop that checkpoints its progress after
// every iteration, so a re-invocation after interruption resumes rather than
// restarts.
//
// Progress is the last completed iteration. It is persisted only after the
// iteration's effect completed and never after cancellation, so a resumed
// run repeats at most the iteration that was in flight. The iteration that
// ends the task is checkpointed as Done together with its value, so a
// re-invocation before the token is cleared reports the same success.
type HeartbeatTask struct {
	TaskID        string
	RunID         string
	MaxIterations int64

	// Interval is the wait between iterations. The first iteration of each
	// Run starts immediately.
	Interval time.Duration

	// HeartbeatTimeout bounds one iteration (wait plus body). Zero disables
	// the bound.
	HeartbeatTimeout time.Duration

	Store    ProgressStore
	Sleeper  Sleeper
	Observer Observer
	Logger   *slog.Logger
}

// Run executes iterations from the stored progress onward.
//
// A retryable failure ends this Run without persisting the failed
// iteration; the caller's retry policy re-invokes the whole task, which
// then resumes from the token. A non-retryable failure is returned as-is.
// Cancellation returns a *CancelledError within one suspension point.
func (t *HeartbeatTask) Run(ctx context.Context, body IterationBody) (TaskResult, error) {
	res := TaskResult{TaskID: t.TaskID}
	if err := t.validate(body); err != nil {
		return res, err
	}
	sleeper, observer, logger := t.collaborators()

	cp, found, err := t.Store.LoadProgress(ctx, t.TaskID)
	if err != nil {
		if ctx.Err() != nil {
			return res, cancelledError(t.TaskID, ctx)
		}
		return res, &Failure{Code: CodeProgressLoad, Message: fmt.Sprintf("load progress for %q", t.TaskID), Cause: err}
	}
	start := int64(1)
	if found {
		start = cp.Progress + 1
		res.LastProgress = cp.Progress
		notify(observer, ir.Event{RunID: t.RunID, Kind: ir.EventTaskResumed, Step: t.TaskID, Progress: cp.Progress})
		logger.Debug("resuming task", "task_id", t.TaskID, "progress", cp.Progress, "done", cp.Done)

		if cp.Done {
			res.Done = true
			res.Last = IterationOutcome{Done: true, Value: cp.Result}
			return res, nil
		}
	}
	res.StartedAt = start

	for i := start; i <= t.MaxIterations; i++ {
		if ctx.Err() != nil {
			return res, t.cancelled(ctx, observer, i)
		}

		outcome, err := t.iterate(ctx, sleeper, body, i, i == start)
		if err != nil {
			if ctx.Err() != nil || IsCancelled(err) {
				return res, t.cancelled(ctx, observer, i)
			}
			return res, err
		}
		res.Iterations++
		res.Last = outcome

		if ctx.Err() != nil {
			return res, t.cancelled(ctx, observer, i)
		}
		saved := Checkpoint{Progress: i, Done: outcome.Done}
		if outcome.Done {
			saved.Result = outcome.Value
		}
		if err := t.Store.SaveProgress(ctx, t.TaskID, saved); err != nil {
			return res, &Failure{Code: CodeProgressSave, Message: fmt.Sprintf("save progress %d for %q", i, t.TaskID), Cause: err}
		}
		res.LastProgress = i
		notify(observer, ir.Event{RunID: t.RunID, Kind: ir.EventProgressSaved, Step: t.TaskID, Progress: i})

		if outcome.Done {
			res.Done = true
			return res, nil
		}
	}

	res.Exhausted = true
	return res, nil
}

// iterate runs one wait-then-body cycle under the heartbeat bound.
func (t *HeartbeatTask) iterate(ctx context.Context, sleeper Sleeper, body IterationBody, i int64, first bool) (IterationOutcome, error) {
	ictx, cancel := ctx, context.CancelFunc(func() {})
	if t.HeartbeatTimeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, t.HeartbeatTimeout)
	}
	defer cancel()

	if !first && t.Interval > 0 {
		if err := sleeper.Sleep(ictx, t.Interval); err != nil {
			if ctx.Err() != nil {
				return IterationOutcome{}, cancelledError(t.TaskID, ctx)
			}
			return IterationOutcome{}, t.heartbeatTimeout(i)
		}
	}

	outcome, err := body(ictx, i)
	if err != nil && ctx.Err() == nil && errors.Is(ictx.Err(), context.DeadlineExceeded) && !isCoded(err) {
		return outcome, t.heartbeatTimeout(i)
	}
	return outcome, err
}

func (t *HeartbeatTask) heartbeatTimeout(i int64) *Failure {
	return &Failure{
		Code:    CodeHeartbeatTimeout,
		Message: fmt.Sprintf("iteration %d missed its heartbeat within %s", i, t.HeartbeatTimeout),
		Cause:   context.DeadlineExceeded,
	}
}

func (t *HeartbeatTask) cancelled(ctx context.Context, observer Observer, i int64) error {
	ce := cancelledError(t.TaskID, ctx)
	notify(observer, ir.Event{RunID: t.RunID, Kind: ir.EventTaskCancelled, Step: t.TaskID, Progress: i - 1})
	return ce
}

func (t *HeartbeatTask) validate(body IterationBody) error {
	switch {
	case t.TaskID == "":
		return NewNonRetryable(CodeInvalidStep, "resumable task has no id")
	case t.MaxIterations < 1:
		return NewNonRetryable(CodeInvalidStep, fmt.Sprintf("task %q: max iterations must be >= 1, got %d", t.TaskID, t.MaxIterations))
	case t.Store == nil:
		return NewNonRetryable(CodeInvalidStep, fmt.Sprintf("task %q has no progress store", t.TaskID))
	case body == nil:
		return NewNonRetryable(CodeInvalidStep, fmt.Sprintf("task %q has no body", t.TaskID))
	}
	return nil
}

func (t *HeartbeatTask) collaborators() (Sleeper, Observer, *slog.Logger) {
	var (
		sleeper  Sleeper = TimerSleeper{}
		observer Observer = NopObserver{}
		logger          = slog.Default()
	)
	if t.Sleeper != nil {
		sleeper = t.Sleeper
	}
	if t.Observer != nil {
		observer = t.Observer
	}
	if t.Logger != nil {
		logger = t.Logger
	}
	return sleeper, observer, logger
}

// ResumableOptions declares a resumable step: a HeartbeatTask whose iterations
// call Body.
type ResumableOptions struct {
	// TaskID derives the task identity from the step input. Runs that share
	// a task identity share progress.
	TaskID func(in Input) string

	MaxIterations    int64
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	Store            ProgressStore

	Body func(ctx context.Context, sc StepContext, in Input, i int64) (IterationOutcome, error)

	// Finish maps the task result to the step result. Nil returns the
	// TaskResult itself.
	Finish func(in Input, res TaskResult) (any, error)
}

// ResumableStep builds a step that runs opts as a HeartbeatTask on every
// attempt. Because progress survives between attempts, a retried attempt
// resumes where the failed one left off.
func ResumableStep(name string, opts ResumableOptions) Step {
	work := func(ctx context.Context, sc StepContext, in Input) (any, error) {
		taskID := name
		if opts.TaskID != nil {
			taskID = opts.TaskID(in)
		}
		task := &HeartbeatTask{
			TaskID:           taskID,
			RunID:            sc.RunID,
			MaxIterations:    opts.MaxIterations,
			Interval:         opts.Interval,
			HeartbeatTimeout: opts.HeartbeatTimeout,
			Store:            opts.Store,
			Sleeper:          sc.Sleeper,
			Observer:         sc.Observer,
			Logger:           sc.Logger,
		}
		var body IterationBody
		if opts.Body != nil {
			body = func(ctx context.Context, i int64) (IterationOutcome, error) {
				return opts.Body(ctx, sc, in, i)
			}
		}
		res, err := task.Run(ctx, body)
		if err != nil {
			return nil, err
		}
		if opts.Finish != nil {
			return opts.Finish(in, res)
		}
		return res, nil
	}
	return Step{Name: name, Work: work, resumable: true}
}
