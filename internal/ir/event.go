package ir

import "time"

// EventKind names one observable transition of the engine.
type EventKind string

const (
	EventAttemptStarted        EventKind = "attempt_started"
	EventAttemptFailed         EventKind = "attempt_failed"
	EventRetryScheduled        EventKind = "retry_scheduled"
	EventStepSucceeded         EventKind = "step_succeeded"
	EventStepFailed            EventKind = "step_failed"
	EventStepCancelled         EventKind = "step_cancelled"
	EventCompensationInvoked   EventKind = "compensation_invoked"
	EventCompensationSucceeded EventKind = "compensation_succeeded"
	EventCompensationFailed    EventKind = "compensation_failed"
	EventTaskResumed           EventKind = "task_resumed"
	EventProgressSaved         EventKind = "progress_saved"
	EventTaskCancelled         EventKind = "task_cancelled"
	EventPipelineStarted       EventKind = "pipeline_started"
	EventPipelineSucceeded     EventKind = "pipeline_succeeded"
	EventPipelineFailed        EventKind = "pipeline_failed"
	EventPipelineCancelled     EventKind = "pipeline_cancelled"
)

// Event is one structured observation emitted by the engine.
//
// Seq comes from the engine's logical clock and orders events within a
// process. Fields that do not apply to a kind are left at their zero value.
type Event struct {
	Seq      int64         `json:"seq"`
	RunID    string        `json:"run_id"`
	Kind     EventKind     `json:"kind"`
	Step     string        `json:"step,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Code     string        `json:"code,omitempty"`
	Message  string        `json:"message,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Progress int64         `json:"progress,omitempty"`
}

// RunStatus is the terminal (or current) status of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRecord summarizes one pipeline run.
type RunRecord struct {
	ID           string    `json:"id"`
	Pipeline     string    `json:"pipeline"`
	Key          string    `json:"key"` // business key, e.g. the order number
	Status       RunStatus `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Payload      Object    `json:"payload,omitempty"`
}
