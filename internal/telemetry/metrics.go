package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/fulfil/internal/ir"
)

// MeterName is the instrumentation scope of fulfil metrics.
const MeterName = "github.com/roach88/fulfil"

// MetricsObserver records engine events as metrics. It implements
// engine.Observer; all instruments are created up front so Observe never
// fails.
type MetricsObserver struct {
	attempts      metric.Int64Counter
	retries       metric.Int64Counter
	retryDelay    metric.Float64Histogram
	steps         metric.Int64Counter
	compensations metric.Int64Counter
	pipelines     metric.Int64Counter
	active        metric.Int64UpDownCounter
	progressSaves metric.Int64Counter

	mu sync.Mutex
	// runs maps each started, unfinished run to the step of its latest
	// attempt. Only tracked runs move the active gauge.
	runs map[string]string
}

// NewMetricsObserver creates the instruments on meter.
func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	var (
		m   = MetricsObserver{runs: make(map[string]string)}
		err error
	)
	if m.attempts, err = meter.Int64Counter("fulfil_attempts_total",
		metric.WithDescription("Step attempts by outcome")); err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter("fulfil_retries_total",
		metric.WithDescription("Retries scheduled after a failed attempt")); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if m.retryDelay, err = meter.Float64Histogram("fulfil_retry_delay_seconds",
		metric.WithDescription("Backoff delay before a retry"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create retry delay histogram: %w", err)
	}
	if m.steps, err = meter.Int64Counter("fulfil_steps_total",
		metric.WithDescription("Terminal step outcomes")); err != nil {
		return nil, fmt.Errorf("create steps counter: %w", err)
	}
	if m.compensations, err = meter.Int64Counter("fulfil_compensations_total",
		metric.WithDescription("Compensation outcomes")); err != nil {
		return nil, fmt.Errorf("create compensations counter: %w", err)
	}
	if m.pipelines, err = meter.Int64Counter("fulfil_pipelines_total",
		metric.WithDescription("Pipeline outcomes")); err != nil {
		return nil, fmt.Errorf("create pipelines counter: %w", err)
	}
	if m.active, err = meter.Int64UpDownCounter("fulfil_pipelines_active",
		metric.WithDescription("Pipelines currently running")); err != nil {
		return nil, fmt.Errorf("create active gauge: %w", err)
	}
	if m.progressSaves, err = meter.Int64Counter("fulfil_progress_saves_total",
		metric.WithDescription("Progress tokens persisted by resumable tasks")); err != nil {
		return nil, fmt.Errorf("create progress counter: %w", err)
	}
	return &m, nil
}

// Observe implements engine.Observer.
func (m *MetricsObserver) Observe(e ir.Event) {
	ctx := context.Background()
	step := attribute.String("step", e.Step)

	switch e.Kind {
	case ir.EventAttemptStarted:
		m.track(e.RunID, e.Step)
		m.attempts.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "started")))
	case ir.EventAttemptFailed:
		m.attempts.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "failed"),
			attribute.String("code", e.Code)))
	case ir.EventRetryScheduled:
		m.retries.Add(ctx, 1, metric.WithAttributes(step))
		m.retryDelay.Record(ctx, e.Delay.Seconds(), metric.WithAttributes(step))
	case ir.EventStepSucceeded:
		m.steps.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "succeeded")))
	case ir.EventStepFailed:
		m.steps.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "failed")))
	case ir.EventStepCancelled:
		m.steps.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "cancelled")))
	case ir.EventCompensationSucceeded:
		m.compensations.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "succeeded")))
	case ir.EventCompensationFailed:
		m.compensations.Add(ctx, 1, metric.WithAttributes(step, attribute.String("outcome", "failed")))
	case ir.EventProgressSaved:
		// The event carries the per-order task ID; label by the step
		// running it so the series stay bounded.
		m.progressSaves.Add(ctx, 1, metric.WithAttributes(attribute.String("step", m.stepOf(e.RunID))))
	case ir.EventPipelineStarted:
		m.start(ctx, e.RunID)
	case ir.EventPipelineSucceeded:
		m.finish(ctx, e.RunID, "succeeded")
	case ir.EventPipelineFailed:
		m.finish(ctx, e.RunID, "failed")
	case ir.EventPipelineCancelled:
		m.finish(ctx, e.RunID, "cancelled")
	}
}

func (m *MetricsObserver) start(ctx context.Context, runID string) {
	m.mu.Lock()
	_, running := m.runs[runID]
	m.runs[runID] = ""
	m.mu.Unlock()
	if !running {
		m.active.Add(ctx, 1)
	}
}

func (m *MetricsObserver) track(runID, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; ok {
		m.runs[runID] = step
	}
}

func (m *MetricsObserver) stepOf(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

func (m *MetricsObserver) finish(ctx context.Context, runID, outcome string) {
	m.mu.Lock()
	_, running := m.runs[runID]
	delete(m.runs, runID)
	m.mu.Unlock()
	if running {
		m.active.Add(ctx, -1)
	}
	m.pipelines.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
