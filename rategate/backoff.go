package rategate

import (
	"sync"
	"time"
)

// BackoffPolicy computes the delay before retry attempt n (zero-based).
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff grows delays geometrically:
//
//	delay(n) = min(Max, Base · Factor^n)
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// Delay implements BackoffPolicy.
func (p ExponentialBackoff) Delay(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}

	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// LinearBackoff grows delays arithmetically:
//
//	delay(n) = min(Max, Base + n · Increment)
type LinearBackoff struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

// Delay implements BackoffPolicy.
func (p LinearBackoff) Delay(attempt int) time.Duration {
	d := p.Base + time.Duration(attempt)*p.Increment
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// OpKey identifies one retried operation: a workflow stage plus the node
// (collector, endpoint, post id) inside it.
type OpKey struct {
	Stage string
	Node  string
}

// RetryHandler tracks per-operation retry counts against a backoff policy
// and a budget. Safe for concurrent use.
type RetryHandler struct {
	mu         sync.Mutex
	policy     BackoffPolicy
	maxRetries int
	retryable  func(error) bool
	retries    map[OpKey]int
}

// NewRetryHandler builds a handler. A nil retryable predicate uses
// DefaultRetryable (transient and rate-limited errors).
func NewRetryHandler(policy BackoffPolicy, maxRetries int, retryable func(error) bool) *RetryHandler {
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return &RetryHandler{
		policy:     policy,
		maxRetries: maxRetries,
		retryable:  retryable,
		retries:    make(map[OpKey]int),
	}
}

// ShouldRetry reports whether err at op deserves another attempt: the
// error must be in the retryable set and the operation under budget.
func (h *RetryHandler) ShouldRetry(err error, op OpKey) bool {
	if err == nil || !h.retryable(err) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[op] < h.maxRetries
}

// Next consumes one retry for op and returns the delay to wait before the
// next attempt. When the error is not retryable or the budget is spent it
// returns a BudgetError wrapping the cause; the caller must not retry.
func (h *RetryHandler) Next(err error, op OpKey) (time.Duration, error) {
	if err == nil {
		return 0, nil
	}
	if !h.retryable(err) {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.retries[op]
	if n >= h.maxRetries {
		return 0, &BudgetError{Op: op, Cause: err}
	}
	h.retries[op] = n + 1
	return h.policy.Delay(n), nil
}

// Attempts reports the retries consumed so far for op.
func (h *RetryHandler) Attempts(op OpKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[op]
}

// Reset clears the counter for op after a success.
func (h *RetryHandler) Reset(op OpKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.retries, op)
}
