package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/ir"
)

// undoRecorder collects the order in which compensations run.
type undoRecorder struct {
	mu    sync.Mutex
	order []string
	seen  []Compensation
}

func (r *undoRecorder) undo(fail error) Undo {
	return func(ctx context.Context, sc StepContext, c Compensation) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, c.Step)
		r.seen = append(r.seen, c)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail
	}
}

func okStep(name string, result any) Step {
	return NewStep(name, func(context.Context, StepContext, Input) (any, error) {
		return result, nil
	})
}

func failStep(name string, f *Failure) Step {
	return NewStep(name, func(context.Context, StepContext, Input) (any, error) {
		return nil, f
	}).WithPolicy(NoRetry())
}

func TestRunPipeline_Succeeds(t *testing.T) {
	e, _, rec := newTestEngine(t)
	undos := &undoRecorder{}

	res, err := e.RunPipeline(context.Background(), "", "payload", []Step{
		okStep("a", 1).WithUndo(undos.undo(nil)),
		NewStep("b", func(_ context.Context, _ StepContext, in Input) (any, error) {
			a, _ := in.Result("a")
			return a.(int) + 1, nil
		}),
	})

	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.True(t, res.Succeeded())
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, res.Results)
	assert.Empty(t, undos.order, "a successful run never compensates")
	assert.Equal(t, []string{"Running(0)", "Running(1)", "Succeeded"}, stateNames(res.Transitions))
	assert.Equal(t, ir.EventPipelineStarted, rec.Kinds()[0])
	assert.Equal(t, ir.EventPipelineSucceeded, rec.Kinds()[rec.Len()-1])
}

func TestRunPipeline_CompensatesInReverse(t *testing.T) {
	e, _, rec := newTestEngine(t)
	undos := &undoRecorder{}
	boom := NewNonRetryable("Boom", "step three broke")

	res, err := e.RunPipeline(context.Background(), "run-x", nil, []Step{
		okStep("s1", "r1").WithUndo(undos.undo(nil)),
		okStep("plain", "rp"),
		okStep("s2", "r2").WithUndo(undos.undo(nil)),
		failStep("s3", boom).WithUndo(undos.undo(nil)),
		okStep("s4", "never").WithUndo(undos.undo(nil)),
	})

	require.Error(t, err)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "s3", se.Step)
	assert.Same(t, boom, se.Failure)

	assert.Equal(t, []string{"s2", "s1"}, undos.order)
	assert.Equal(t, []string{"s2", "s1"}, res.Compensated)
	assert.Equal(t, "s3", res.FailedStep)
	assert.Equal(t, PhaseFailed, res.State.Phase)
	assert.NotContains(t, res.Results, "s3")
	assert.Equal(t, []string{
		"Running(0)", "Running(1)", "Running(2)", "Running(3)",
		"Compensating(2)", "Compensating(1)", "Failed",
	}, stateNames(res.Transitions))

	assert.Equal(t, []string{"s2", "s1"}, rec.Steps(ir.EventCompensationInvoked))
	assert.Equal(t, 1, rec.Count(ir.EventPipelineFailed))
}

func TestRunPipeline_CompensationSeesInputAndResult(t *testing.T) {
	e, _, _ := newTestEngine(t)
	undos := &undoRecorder{}

	_, err := e.RunPipeline(context.Background(), "run-x", "order-7", []Step{
		okStep("reserve", "reservation-9").WithUndo(undos.undo(nil)),
		failStep("bill", NewNonRetryable("Declined", "")),
	})
	require.Error(t, err)

	require.Len(t, undos.seen, 1)
	c := undos.seen[0]
	assert.Equal(t, "reserve", c.Step)
	assert.Equal(t, "reservation-9", c.Result)
	assert.Equal(t, "order-7", c.Input.Payload)
	assert.Equal(t, "run-x", c.Input.RunID)
}

func TestRunPipeline_CompensationFailureKeepsOriginalError(t *testing.T) {
	e, _, rec := newTestEngine(t)
	undos := &undoRecorder{}
	c2Err := errors.New("refund service down")

	res, err := e.RunPipeline(context.Background(), "run-x", nil, []Step{
		okStep("s1", nil).WithUndo(undos.undo(nil)),
		okStep("s2", nil).WithUndo(undos.undo(c2Err)),
		failStep("s3", NewNonRetryable("Original", "the real problem")),
	})

	assert.Equal(t, "Original", FailureCode(err), "the original error must surface, not the compensation failure")
	assert.NotErrorIs(t, err, c2Err)
	assert.Equal(t, []string{"s2", "s1"}, undos.order, "s1 is still undone after s2's undo fails")
	assert.Equal(t, []string{"s1"}, res.Compensated)
	require.Len(t, res.CompensationFailures, 1)
	assert.Equal(t, "s2", res.CompensationFailures[0].Step)
	assert.ErrorIs(t, res.CompensationFailures[0].Err, c2Err)
	assert.Equal(t, []string{"s2"}, rec.Steps(ir.EventCompensationFailed))
	assert.Equal(t, []string{"s1"}, rec.Steps(ir.EventCompensationSucceeded))
}

func TestRunPipeline_CompensationPanicIsContained(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res, err := e.RunPipeline(context.Background(), "run-x", nil, []Step{
		okStep("s1", nil).WithUndo(func(context.Context, StepContext, Compensation) error { panic("undo exploded") }),
		failStep("s2", NewNonRetryable("Original", "")),
	})

	assert.Equal(t, "Original", FailureCode(err))
	require.Len(t, res.CompensationFailures, 1)
	assert.Equal(t, CodePanic, FailureCode(res.CompensationFailures[0].Err))
}

func TestRunPipeline_CompensationPolicyRetries(t *testing.T) {
	e, sleeper, _ := newTestEngine(t, WithCompensationPolicy(CompensationPolicy{MaxAttempts: 3, Interval: 2 * time.Second}))
	calls := 0

	res, err := e.RunPipeline(context.Background(), "run-x", nil, []Step{
		okStep("s1", nil).WithUndo(func(context.Context, StepContext, Compensation) error {
			calls++
			if calls < 2 {
				return errors.New("flaky undo")
			}
			return nil
		}),
		failStep("s2", NewNonRetryable("Original", "")),
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"s1"}, res.Compensated)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Sleeps())
}

func TestRunPipeline_SingleCompensationAttemptByDefault(t *testing.T) {
	e, _, _ := newTestEngine(t)
	calls := 0

	res, _ := e.RunPipeline(context.Background(), "run-x", nil, []Step{
		okStep("s1", nil).WithUndo(func(context.Context, StepContext, Compensation) error {
			calls++
			return errors.New("undo failed")
		}),
		failStep("s2", NewNonRetryable("Original", "")),
	})

	assert.Equal(t, 1, calls)
	require.Len(t, res.CompensationFailures, 1)
	assert.Equal(t, 1, res.CompensationFailures[0].Attempts)
}

func TestRunPipeline_CancellationStillCompensates(t *testing.T) {
	e, _, rec := newTestEngine(t)
	undos := &undoRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.RunPipeline(ctx, "run-x", nil, []Step{
		okStep("s1", nil).WithUndo(undos.undo(nil)),
		NewStep("s2", func(ctx context.Context, _ StepContext, _ Input) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		okStep("s3", nil),
	})

	assert.True(t, IsCancelled(err))
	assert.Equal(t, PhaseCancelled, res.State.Phase)
	assert.Equal(t, "s2", res.FailedStep)
	assert.Equal(t, []string{"s1"}, undos.order)
	assert.Equal(t, []string{"s1"}, res.Compensated, "undo runs under a context detached from the cancellation")
	assert.Equal(t, 1, rec.Count(ir.EventPipelineCancelled))
	assert.NotContains(t, res.Results, "s3")
}

func TestRunPipeline_RetriedStepCompensatesOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	undos := &undoRecorder{}
	attempts := 0

	_, err := e.RunPipeline(context.Background(), "run-x", nil, []Step{
		NewStep("s1", func(context.Context, StepContext, Input) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, NewFailure("Flaky", "")
			}
			return "done", nil
		}).WithUndo(undos.undo(nil)).WithPolicy(testPolicy(5)),
		failStep("s2", NewNonRetryable("Original", "")),
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"s1"}, undos.order, "a step registers its undo once, however many attempts it took")
}

func TestRunPipeline_DuplicateStepNames(t *testing.T) {
	e, _, rec := newTestEngine(t)

	res, err := e.RunPipeline(context.Background(), "run-x", nil, []Step{okStep("a", 1), okStep("a", 2)})

	assert.Equal(t, CodeInvalidStep, FailureCode(err))
	assert.Equal(t, PhaseFailed, res.State.Phase)
	assert.Empty(t, res.Results)
	assert.Equal(t, []ir.EventKind{ir.EventPipelineStarted, ir.EventPipelineFailed}, rec.Kinds(),
		"a rejected pipeline still opens with pipeline_started")
}

func TestCompensationLog_DrainsOnceInReverse(t *testing.T) {
	var log CompensationLog
	require.NoError(t, log.Append(Compensation{Step: "c1"}))
	require.NoError(t, log.Append(Compensation{Step: "c2"}))
	require.NoError(t, log.Append(Compensation{Step: "c3"}))
	assert.Equal(t, 3, log.Len())
	assert.Equal(t, "c1", log.Entries()[0].Step)

	drained := log.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "c3", drained[0].Step)
	assert.Equal(t, "c1", drained[2].Step)

	assert.Nil(t, log.Drain(), "a log drains exactly once")
	assert.Zero(t, log.Len())
	assert.Error(t, log.Append(Compensation{Step: "late"}))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Running(3)", State{Phase: PhaseRunning, Index: 3}.String())
	assert.Equal(t, "Compensating(2)", State{Phase: PhaseCompensating, Index: 2}.String())
	assert.Equal(t, "Succeeded", State{Phase: PhaseSucceeded}.String())
	assert.True(t, State{Phase: PhaseCancelled}.Terminal())
	assert.False(t, State{Phase: PhaseCompensating, Index: 1}.Terminal())
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}
