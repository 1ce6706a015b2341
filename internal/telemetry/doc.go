// Package telemetry turns engine events into OpenTelemetry metrics.
//
// MetricsObserver is an engine.Observer that counts attempts, retries,
// step outcomes, compensations, pipeline outcomes and progress saves.
// Setup builds the meter provider, optionally backed by a Prometheus
// exporter whose registry is served by Provider.Handler.
//
// Metrics:
//
//	fulfil_attempts_total{step,outcome}      attempts started/failed
//	fulfil_retries_total{step}               retries scheduled
//	fulfil_retry_delay_seconds{step}         backoff delays
//	fulfil_steps_total{step,outcome}         terminal step outcomes
//	fulfil_compensations_total{step,outcome} undo outcomes
//	fulfil_pipelines_total{outcome}          pipeline outcomes
//	fulfil_pipelines_active                  pipelines in flight
//	fulfil_progress_saves_total{task}        heartbeat checkpoints
package telemetry
