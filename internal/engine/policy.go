package engine

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// ErrInvalidPolicy is returned by RetryPolicy.Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. It is a plain value: create it once per pipeline definition
// and share it read-only across runs.
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// BackoffCoefficient multiplies the delay after each retry. Must be >= 1;
	// 1 yields a constant delay.
	BackoffCoefficient float64

	// MaximumInterval caps the delay.
	MaximumInterval time.Duration

	// MaximumAttempts is the total attempt budget including the first.
	// 1 disables retries altogether.
	MaximumAttempts int

	// NonRetryableErrorCodes lists failure codes that stop retries at once.
	NonRetryableErrorCodes []string
}

// Decision is the result of RetryPolicy.ShouldRetry.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultRetryPolicy returns the policy used when a step declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    5,
	}
}

// NoRetry returns a policy allowing exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 1,
		MaximumInterval:    time.Second,
		MaximumAttempts:    1,
	}
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaximumAttempts < 1 {
		return fmt.Errorf("%w: maximum attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaximumAttempts)
	}
	if p.BackoffCoefficient < 1 {
		return fmt.Errorf("%w: backoff coefficient must be >= 1, got %v", ErrInvalidPolicy, p.BackoffCoefficient)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("%w: initial interval must be > 0, got %s", ErrInvalidPolicy, p.InitialInterval)
	}
	if p.MaximumInterval < p.InitialInterval {
		return fmt.Errorf("%w: maximum interval %s is below initial interval %s", ErrInvalidPolicy, p.MaximumInterval, p.InitialInterval)
	}
	return nil
}

// ShouldRetry decides what happens after attempt (1-based) failed with f.
// Pure function of its inputs.
func (p RetryPolicy) ShouldRetry(attempt int, f *Failure) Decision {
	if attempt >= p.MaximumAttempts {
		return Decision{}
	}
	if f != nil && (f.NonRetryable || p.IsNonRetryableCode(f.Code)) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// IsNonRetryableCode reports whether code is listed as non-retryable.
func (p RetryPolicy) IsNonRetryableCode(code string) bool {
	return slices.Contains(p.NonRetryableErrorCodes, code)
}

// Backoff returns the delay before the retry that follows attempt:
// min(InitialInterval * BackoffCoefficient^(attempt-1), MaximumInterval).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	d := float64(p.InitialInterval) * math.Pow(coefficient, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// WithNonRetryable returns a copy of p with codes appended to the
// non-retryable list.
func (p RetryPolicy) WithNonRetryable(codes ...string) RetryPolicy {
	out := p
	out.NonRetryableErrorCodes = append(slices.Clone(p.NonRetryableErrorCodes), codes...)
	return out
}
