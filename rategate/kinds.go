// Package rategate enforces per-endpoint rate-limit discipline and owns
// the retry/backoff machinery shared by collectors and the posting path.
package rategate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/narrativelabs/driftwatch/checkpoint"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/store"
)

// Kind classifies errors for routing and retry decisions.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindRateLimited  Kind = "rate_limited"
	KindAuthFailed   Kind = "auth_failed"
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindBudget       Kind = "budget"
	KindFatal        Kind = "fatal"
)

// RateLimitedError reports an exhausted rate window and when it reopens.
type RateLimitedError struct {
	Endpoint string
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s until %s", e.Endpoint, e.ResetAt.Format(time.RFC3339))
}

// TransientError wraps a retryable failure (network, timeout, 5xx).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// BudgetError reports an exhausted retry budget for one operation.
type BudgetError struct {
	Op    OpKey
	Cause error
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("retry budget exhausted for %s/%s: %v", e.Op.Stage, e.Op.Node, e.Cause)
}
func (e *BudgetError) Unwrap() error { return e.Cause }

// Sentinels for kinds that need no payload.
var (
	ErrAuthFailed = errors.New("authentication failed")
	ErrFatal      = errors.New("fatal")
)

// Classify maps an error to its Kind. Unknown errors classify as
// transient: the retry budget bounds the damage of a wrong guess, while
// misclassifying a flaky network error as fatal would kill the session.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	// BudgetError wraps its cause, so it has to win over whatever kind the
	// cause would classify as on its own.
	var rl *RateLimitedError
	var budget *BudgetError
	switch {
	case errors.As(err, &budget):
		return KindBudget
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, checkpoint.ErrConflict):
		return KindConflict
	case errors.Is(err, checkpoint.ErrCorrupt), errors.Is(err, store.ErrClosed):
		return KindFatal
	case errors.Is(err, kgraph.ErrDanglingEdge),
		errors.Is(err, kgraph.ErrInvalidTemporalRange),
		errors.Is(err, kgraph.ErrInvalidTimestamp):
		return KindInvalidInput
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}

// DefaultRetryable is the retryable set used when a RetryHandler is built
// without an explicit one.
func DefaultRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
