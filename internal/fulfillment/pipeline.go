package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/fulfil/internal/engine"
)

// Step names.
const (
	StepValidateCreditCard = "validate-credit-card"
	StepGetDistance        = "get-distance"
	StepPrepareOrder       = "prepare-order"
	StepUpdateInventory    = "update-inventory"
	StepSendBill           = "send-bill"
	StepPollDeliveryDriver = "poll-delivery-driver"
)

// PipelineName labels runs of this pipeline in the run log.
const PipelineName = "order-fulfillment"

// Options tunes the pipeline. DefaultOptions mirrors the reference
// exercises.
type Options struct {
	// Policy applies to every activity step. CodeInvalidCard is always
	// treated as non-retryable on top of what it lists.
	Policy           engine.RetryPolicy
	StepTimeout      time.Duration
	HeartbeatTimeout time.Duration

	PreparationDelay time.Duration
	MaxDeliveryKM    int

	PollInterval      time.Duration
	PollMaxIterations int64

	// Wrap, if set, decorates every step before it runs.
	Wrap func(engine.Step) engine.Step
}

// DefaultOptions returns the reference settings: five attempts one second
// apart, a 60s attempt timeout, a 3s preparation delay, a 25km delivery
// radius and up to ten driver polls 20s apart.
func DefaultOptions() Options {
	return Options{
		Policy: engine.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     1,
			MaximumInterval:        time.Second,
			MaximumAttempts:        5,
			NonRetryableErrorCodes: []string{CodeInvalidCard},
		},
		StepTimeout:       60 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		PreparationDelay:  3 * time.Second,
		MaxDeliveryKM:     25,
		PollInterval:      20 * time.Second,
		PollMaxIterations: 10,
	}
}

// Pipeline runs orders through the fulfillment steps on an engine.
type Pipeline struct {
	engine     *engine.Engine
	activities *Activities
	progress   engine.ProgressStore
	opts       Options
	logger     *slog.Logger
}

// NewPipeline creates a pipeline. progress holds the delivery poll's
// progress tokens.
func NewPipeline(e *engine.Engine, acts *Activities, progress engine.ProgressStore, opts Options) *Pipeline {
	if !opts.Policy.IsNonRetryableCode(CodeInvalidCard) {
		opts.Policy = opts.Policy.WithNonRetryable(CodeInvalidCard)
	}
	return &Pipeline{
		engine:     e,
		activities: acts,
		progress:   progress,
		opts:       opts,
		logger:     acts.logger(),
	}
}

// Result is the outcome of Run. It is returned even when Run fails so
// callers can inspect the compensations that ran.
type Result struct {
	Confirmation OrderConfirmation
	Run          *engine.PipelineResult
}

// Run executes the pipeline for order. An empty runID lets the engine
// generate one.
//
// On success the delivery poll's progress token is cleared, so a later
// order reusing the number polls afresh. On failure the returned error is
// the one that stopped the pipeline.
func (p *Pipeline) Run(ctx context.Context, runID string, order Order) (*Result, error) {
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order %q: %w", order.OrderNumber, err)
	}

	run, err := p.engine.RunPipeline(ctx, runID, order, p.Steps(order))
	res := &Result{Run: run}
	if err != nil {
		return res, err
	}

	receipt, _ := run.Results[StepSendBill].(Receipt)
	res.Confirmation = receipt.Confirmation
	res.Confirmation.RunID = run.RunID
	if assignment, ok := run.Results[StepPollDeliveryDriver].(DeliveryAssignment); ok {
		res.Confirmation.DeliveryService = assignment.Service
	}

	if order.IsDelivery {
		if err := p.progress.ClearProgress(context.WithoutCancel(ctx), order.DeliveryTaskID()); err != nil {
			p.logger.Warn("failed to clear delivery progress", "order", order.OrderNumber, "error", err)
		}
	}
	return res, nil
}

// Steps returns the steps for order in execution order.
func (p *Pipeline) Steps(order Order) []engine.Step {
	steps := []engine.Step{p.validateCreditCard()}
	if order.IsDelivery {
		steps = append(steps, p.getDistance())
	}
	steps = append(steps, p.prepareOrder(), p.updateInventory(), p.sendBill())
	if order.IsDelivery {
		steps = append(steps, p.pollDeliveryDriver())
	}

	for i, s := range steps {
		if s.IsResumable() {
			// Each poll is bounded by the heartbeat; the whole poll may
			// outlast a single activity timeout.
			s = s.WithTimeout(engine.NoTimeout)
		} else {
			s = s.WithTimeout(p.opts.StepTimeout)
		}
		if s.Policy == nil {
			s = s.WithPolicy(p.opts.Policy)
		}
		if p.opts.Wrap != nil {
			s = p.opts.Wrap(s)
		}
		steps[i] = s
	}
	return steps
}

func orderOf(in engine.Input) Order {
	o, _ := in.Payload.(Order)
	return o
}

func (p *Pipeline) validateCreditCard() engine.Step {
	return engine.NewStep(StepValidateCreditCard, func(ctx context.Context, _ engine.StepContext, in engine.Input) (any, error) {
		return nil, p.activities.ValidateCreditCard(ctx, orderOf(in).Customer.CreditCardNumber)
	})
}

func (p *Pipeline) getDistance() engine.Step {
	return engine.NewStep(StepGetDistance, func(ctx context.Context, _ engine.StepContext, in engine.Input) (any, error) {
		d, err := p.activities.GetDistance(ctx, orderOf(in).Address)
		if err != nil {
			return nil, err
		}
		if d.Kilometers > p.opts.MaxDeliveryKM {
			return nil, engine.NewNonRetryable(CodeDeliveryTooFar, "Customer lives too far away for delivery",
				fmt.Sprintf("Distance: %dkm", d.Kilometers))
		}
		return d, nil
	})
}

func (p *Pipeline) prepareOrder() engine.Step {
	return engine.NewStep(StepPrepareOrder, func(ctx context.Context, sc engine.StepContext, _ engine.Input) (any, error) {
		if err := sc.Sleeper.Sleep(ctx, p.opts.PreparationDelay); err != nil {
			return nil, err
		}
		return nil, nil
	}).WithPolicy(engine.NoRetry())
}

func (p *Pipeline) updateInventory() engine.Step {
	return engine.NewStep(StepUpdateInventory, func(ctx context.Context, _ engine.StepContext, in engine.Input) (any, error) {
		return p.activities.UpdateInventory(ctx, orderOf(in))
	}).WithUndo(func(ctx context.Context, _ engine.StepContext, c engine.Compensation) error {
		r, ok := c.Result.(Reservation)
		if !ok {
			return engine.NewNonRetryable(engine.CodeInvalidStep, fmt.Sprintf("unexpected %s result %T", StepUpdateInventory, c.Result))
		}
		return p.activities.RevertInventory(ctx, r)
	})
}

func (p *Pipeline) sendBill() engine.Step {
	return engine.NewStep(StepSendBill, func(ctx context.Context, _ engine.StepContext, in engine.Input) (any, error) {
		return p.activities.SendBill(ctx, NewBill(orderOf(in)))
	}).WithUndo(func(ctx context.Context, _ engine.StepContext, c engine.Compensation) error {
		r, ok := c.Result.(Receipt)
		if !ok {
			return engine.NewNonRetryable(engine.CodeInvalidStep, fmt.Sprintf("unexpected %s result %T", StepSendBill, c.Result))
		}
		return p.activities.RefundCustomer(ctx, r)
	})
}

func (p *Pipeline) pollDeliveryDriver() engine.Step {
	return engine.ResumableStep(StepPollDeliveryDriver, engine.ResumableOptions{
		TaskID:           func(in engine.Input) string { return orderOf(in).DeliveryTaskID() },
		MaxIterations:    p.opts.PollMaxIterations,
		Interval:         p.opts.PollInterval,
		HeartbeatTimeout: p.opts.HeartbeatTimeout,
		Store:            p.progress,
		Body: func(ctx context.Context, _ engine.StepContext, in engine.Input, i int64) (engine.IterationOutcome, error) {
			return p.activities.PollDeliveryDriver(ctx, orderOf(in).OrderNumber, i)
		},
		Finish: func(in engine.Input, res engine.TaskResult) (any, error) {
			if !res.Done {
				return nil, engine.NewNonRetryable(CodeNoDriverAvailable,
					fmt.Sprintf("no delivery driver after %d polls", res.LastProgress), orderOf(in).OrderNumber)
			}
			service, _ := res.Last.Value.(string)
			return DeliveryAssignment{Service: service, Polls: res.LastProgress}, nil
		},
	})
}
