package rategate

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the floor between requests to one endpoint.
const DefaultMinInterval = 1100 * time.Millisecond

// Decision is the outcome of an Acquire call.
type Decision int

const (
	// Grant means the caller may issue the request now.
	Grant Decision = iota
	// Wait means the caller must wait Outcome.Wait before trying again.
	Wait
	// Denied means the remote window is exhausted; retry at Outcome.ResetAt.
	Denied
)

// Outcome carries an Acquire decision and its timing.
type Outcome struct {
	Decision Decision
	Wait     time.Duration
	ResetAt  time.Time
}

// endpointState tracks one endpoint's local bucket and remote window.
type endpointState struct {
	limiter   *rate.Limiter
	limit     int
	remaining int
	reset     time.Time
	known     bool // headers seen at least once
}

// Gate enforces a local minimum inter-request interval per endpoint and
// honors remote rate-limit windows learned from response headers.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	endpoints   map[string]*endpointState
}

// NewGate creates a gate. A non-positive minInterval uses the default
// 1.1s floor.
func NewGate(minInterval time.Duration) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Gate{
		minInterval: minInterval,
		endpoints:   make(map[string]*endpointState),
	}
}

func (g *Gate) endpoint(name string) *endpointState {
	ep, ok := g.endpoints[name]
	if !ok {
		ep = &endpointState{
			limiter: rate.NewLimiter(rate.Every(g.minInterval), 1),
		}
		g.endpoints[name] = ep
	}
	return ep
}

// Acquire decides whether a request to endpoint may go out at now.
//
// The remote window wins over the local bucket: with remaining == 0 and a
// future reset, the caller gets Wait until the reset instant (the same
// call at the reset instant grants). Otherwise the local token bucket
// enforces the inter-request floor.
func (g *Gate) Acquire(endpoint string, now time.Time) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep := g.endpoint(endpoint)
	if ep.known && ep.remaining == 0 && now.Before(ep.reset) {
		return Outcome{Decision: Wait, Wait: ep.reset.Sub(now), ResetAt: ep.reset}
	}

	r := ep.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Outcome{Decision: Denied, ResetAt: ep.reset}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Outcome{Decision: Wait, Wait: delay}
	}
	return Outcome{Decision: Grant}
}

// TryAcquire is the non-blocking variant: anything short of an immediate
// grant is Denied with the reset instant when known.
func (g *Gate) TryAcquire(endpoint string, now time.Time) Outcome {
	out := g.Acquire(endpoint, now)
	if out.Decision == Wait {
		resetAt := out.ResetAt
		if resetAt.IsZero() {
			resetAt = now.Add(out.Wait)
		}
		return Outcome{Decision: Denied, ResetAt: resetAt}
	}
	return out
}

// WaitContext blocks until the endpoint grants or ctx is done. It fails
// with a RateLimitedError if ctx expires before the gate opens.
func (g *Gate) WaitContext(ctx context.Context, endpoint string) error {
	for {
		out := g.Acquire(endpoint, time.Now().UTC())
		if out.Decision == Grant {
			return nil
		}

		wait := out.Wait
		if out.Decision == Denied {
			wait = time.Until(out.ResetAt)
		}
		if wait <= 0 {
			wait = g.minInterval
		}

		if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(wait)) {
			return &RateLimitedError{Endpoint: endpoint, ResetAt: time.Now().UTC().Add(wait)}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// UpdateFromHeaders folds x-rate-limit-* response headers into the
// endpoint's remote window. Missing headers leave the window untouched.
func (g *Gate) UpdateFromHeaders(endpoint string, h http.Header) {
	limit, okLimit := headerInt(h, "x-rate-limit-limit")
	remaining, okRemaining := headerInt(h, "x-rate-limit-remaining")
	resetUnix, okReset := headerInt(h, "x-rate-limit-reset")
	if !okLimit && !okRemaining && !okReset {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ep := g.endpoint(endpoint)
	ep.known = true
	if okLimit {
		ep.limit = limit
	}
	if okRemaining {
		ep.remaining = remaining
	}
	if okReset {
		ep.reset = time.Unix(int64(resetUnix), 0).UTC()
	}
}

// UpdateWindow sets the remote window directly, for sources that report
// limits out of band instead of via headers.
func (g *Gate) UpdateWindow(endpoint string, limit, remaining int, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep := g.endpoint(endpoint)
	ep.known = true
	ep.limit = limit
	ep.remaining = remaining
	ep.reset = resetAt.UTC()
}

// Window reports the last known remote window for an endpoint.
func (g *Gate) Window(endpoint string) (limit, remaining int, resetAt time.Time, known bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep, ok := g.endpoints[endpoint]
	if !ok || !ep.known {
		return 0, 0, time.Time{}, false
	}
	return ep.limit, ep.remaining, ep.reset, true
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
