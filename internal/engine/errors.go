package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure codes produced by the engine itself. Business steps define their
// own codes (e.g. "InvalidCard") and list them in a RetryPolicy's
// NonRetryableErrorCodes where appropriate.
const (
	// CodeTimeout marks an attempt that exceeded its per-attempt timeout.
	CodeTimeout = "Timeout"

	// CodeHeartbeatTimeout marks a resumable iteration that did not reach
	// its heartbeat within the configured bound.
	CodeHeartbeatTimeout = "HeartbeatTimeout"

	// CodeGeneric is assigned to plain Go errors that carry no code.
	CodeGeneric = "Error"

	// CodePanic marks a unit of work that panicked.
	CodePanic = "Panic"

	// CodeProgressLoad and CodeProgressSave mark progress store failures.
	CodeProgressLoad = "ProgressLoadFailed"
	CodeProgressSave = "ProgressSaveFailed"

	// CodeInvalidStep marks a step definition the engine cannot run.
	CodeInvalidStep = "InvalidStep"
)

// Failure is the classified outcome of a failed unit of work.
//
// Code is the taxonomy key matched against RetryPolicy.NonRetryableErrorCodes.
// NonRetryable is the failure's own hint: when true the failure is never
// retried, whatever the policy says. The zero value is retryable.
type Failure struct {
	Code         string
	Message      string
	Details      []any
	NonRetryable bool
	Cause        error
}

// NewFailure creates a retryable failure.
func NewFailure(code, message string, details ...any) *Failure {
	return &Failure{Code: code, Message: message, Details: details}
}

// NewNonRetryable creates a failure that stops retries immediately.
func NewNonRetryable(code, message string, details ...any) *Failure {
	return &Failure{Code: code, Message: message, Details: details, NonRetryable: true}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Code)
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Cause != nil && f.Message == "" {
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Retryable reports whether the failure's own hint allows a retry.
func (f *Failure) Retryable() bool {
	return !f.NonRetryable
}

// timeoutFailure builds the failure recorded for an attempt that ran out of time.
func timeoutFailure(code string, limit time.Duration) *Failure {
	return &Failure{
		Code:    code,
		Message: fmt.Sprintf("exceeded %s", limit),
		Cause:   context.DeadlineExceeded,
	}
}

// AsFailure classifies any error into a Failure.
//
//   - a *Failure anywhere in the chain is returned as-is
//   - a *StepError yields its terminal failure
//   - context.DeadlineExceeded becomes a retryable Timeout
//   - anything else becomes a retryable CodeGeneric wrapping the error
//
// Returns nil for a nil error.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Code: CodeTimeout, Message: err.Error(), Cause: err}
	}
	return &Failure{Code: CodeGeneric, Message: err.Error(), Cause: err}
}

// FailureCode returns the failure code carried by err, or "" if err is nil.
func FailureCode(err error) string {
	if err == nil {
		return ""
	}
	if IsCancelled(err) {
		return "Cancelled"
	}
	return AsFailure(err).Code
}

// IsNonRetryable reports whether err carries a failure hinted non-retryable.
func IsNonRetryable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.NonRetryable
}

// AttemptRecord describes one attempt of a step execution.
// Records live only as long as the StepError that carries them.
type AttemptRecord struct {
	Attempt int
	Delay   time.Duration // backoff slept before this attempt
	Failure *Failure
}

// StepError is the terminal failure of a step: retries are exhausted or
// the failure was non-retryable.
type StepError struct {
	Step     string
	Attempts []AttemptRecord
	Failure  *Failure
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %s", e.Step, len(e.Attempts), e.Failure.Error())
}

// Unwrap exposes the terminal failure to errors.As / errors.Is.
func (e *StepError) Unwrap() error {
	return e.Failure
}

// ErrCancelled matches any CancelledError via errors.Is.
var ErrCancelled = errors.New("cancelled")

// CancelledError reports a user- or system-initiated abort. It is distinct
// from a Failure: it is never retried.
type CancelledError struct {
	Step  string
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("cancelled: %v", e.Cause)
	}
	return fmt.Sprintf("step %q cancelled: %v", e.Step, e.Cause)
}

// Unwrap returns the context error that triggered the cancellation.
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// Is matches ErrCancelled.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// IsCancelled reports whether err is a cancellation rather than a failure.
// Uses errors.As / errors.Is to handle wrapped errors.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// cancelledError builds a CancelledError from a done context.
func cancelledError(step string, ctx context.Context) *CancelledError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &CancelledError{Step: step, Cause: cause}
}
