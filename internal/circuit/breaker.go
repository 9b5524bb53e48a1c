// Package circuit implements the consecutive-rate-limit circuit breaker
// (spec.md §4.5): a mutex-guarded explicit state machine, grounded in the
// streak-counter / circuitOpen FSM shape of the retrieved
// capture.CircuitBreaker, adapted from a request-rate sliding window to
// tripping on consecutive rate-limit observations across sync passes.
package circuit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/daylogapp/daylog-sync/internal/clock"
)

// State is the breaker's three-state machine (spec.md §4.5).
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Params are the breaker's tunables, named in spec.md §6.
type Params struct {
	Threshold   int           // consecutive rate-limit observations to trip
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxJitter   time.Duration
}

// DefaultParams match spec.md §4.5/§6's defaults.
func DefaultParams() Params {
	return Params{
		Threshold:   3,
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  300 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Breaker is process-local, single-writer state (spec.md §5: "the
// CircuitBreaker is process-local state, thread-safely updated by the
// coordinator only"). The mutex exists for safe inspection from a status
// endpoint or test, not to admit concurrent writers.
type Breaker struct {
	mu     sync.Mutex
	params Params
	clock  clock.Clock

	state             State
	consecutiveLimits int
	trips             int // does not reset across passes while Open (spec.md §4.5)
	openUntil         time.Time
}

// New creates a Breaker in the Closed state.
func New(params Params, c clock.Clock) *Breaker {
	return &Breaker{params: params, clock: c, state: Closed}
}

// State returns the current state, resolving Open→HalfOpen if the backoff
// deadline has passed (the transition spec.md §4.5 calls "Open → Half-open
// when now ≥ open_until").
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && !b.openUntil.After(b.clock.Now()) {
		b.state = HalfOpen
	}
	return b.state
}

// IsTripped reports whether outbound traffic should be paused.
func (b *Breaker) IsTripped() bool {
	return b.State() == Open
}

// BackoffRemaining returns how long the caller should still wait before its
// next attempt; zero if the breaker is not open.
func (b *Breaker) BackoffRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() != Open {
		return 0
	}
	return b.openUntil.Sub(b.clock.Now())
}

// OnSuccess resets the breaker to Closed (spec.md: "On success: reset
// circuit breaker"; "Half-open → Closed on first success").
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveLimits = 0
	b.trips = 0
}

// OnRateLimited records a rate-limit observation. serverRetryAfter is the
// server's Retry-After value, if any; the breaker's own backoff deadline is
// never earlier than it (spec.md P5, "backoff respects Retry-After").
func (b *Breaker) OnRateLimited(serverRetryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasHalfOpen := b.stateLocked() == HalfOpen
	b.consecutiveLimits++

	if wasHalfOpen || b.consecutiveLimits >= b.params.Threshold {
		b.trips++
		b.state = Open
		delay := b.computeBackoff()
		if serverRetryAfter > delay {
			delay = serverRetryAfter
		}
		b.openUntil = b.clock.Now().Add(delay)
		b.consecutiveLimits = 0
	}
}

// computeBackoff returns min(2^(trips-1) * base, max) plus jitter in
// [0, MaxJitter], using cenkalti/backoff's ExponentialBackOff for the
// exponential term so the growth curve matches a library the rest of the
// pack already standardizes on rather than hand-rolled doubling.
func (b *Breaker) computeBackoff() time.Duration {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.params.BaseBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.params.MaxBackoff,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	var delay time.Duration
	for i := 0; i < b.trips; i++ {
		delay = exp.NextBackOff()
	}
	if delay > b.params.MaxBackoff {
		delay = b.params.MaxBackoff
	}

	if b.params.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(b.params.MaxJitter) + 1))
	}
	return delay
}

// Trips reports the number of times the breaker has opened since the last
// OnSuccess; spec.md notes this does not reset across passes while Open.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
