// Package breaker implements a per-worker circuit breaker: a three-state
// gate that short-circuits requests to a worker once it looks unhealthy,
// moves to HALF_OPEN after a cool-down and admits requests there as probes,
// and only returns to CLOSED after consecutive probe successes.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state the way the stats endpoint reports it.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Defaults mirror the documented configuration defaults.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultCoolDown         = 30 * time.Second
)

// Snapshot is a copied, lock-free-to-read view of the breaker's state for
// observability endpoints.
type Snapshot struct {
	State     State
	Failures  int
	Successes int
}

// Breaker is a linearisable three-state gate protecting one worker binding.
// All transitions happen under mu. State() and Snapshot() also take mu;
// there is no lock-free read of the state.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	coolDown         time.Duration

	// now is overridable in tests to avoid real sleeps for cool-down checks.
	now func() time.Time
}

// New creates a breaker in CLOSED state with the given thresholds and
// cool-down. Non-positive thresholds/cool-down fall back to documented defaults.
func New(failureThreshold, successThreshold int, coolDown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if successThreshold <= 0 {
		successThreshold = DefaultSuccessThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		coolDown:         coolDown,
		now:              time.Now,
	}
}

// AllowRequest reports whether a caller may dispatch to the guarded worker.
// It returns true when CLOSED or HALF_OPEN, and when OPEN with the
// cool-down elapsed — in which case it has the side effect of admitting a
// probe by transitioning to HALF_OPEN. Semantics are deliberately loose:
// concurrent callers racing this check while OPEN may each see the
// cool-down elapsed and each be admitted as a probe.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.coolDown {
			b.transitionToHalfOpen()
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess updates counters for a successful attempt. In HALF_OPEN it
// may promote the breaker to CLOSED once successThreshold is reached; in
// CLOSED it resets the failure streak so isolated failures don't
// accumulate toward the threshold.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.transitionToClosed()
		}
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure updates counters for a failed attempt. In HALF_OPEN any
// failure immediately reopens the breaker; in CLOSED it may trip the
// breaker once failureThreshold is reached. last-failure timestamp is
// updated on every call regardless of state.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case HalfOpen:
		b.transitionToOpen()
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transitionToOpen()
		}
	}
}

// State returns the current state without requiring the caller to
// otherwise interact with the breaker. Safe to call concurrently with any
// other method.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable state for the
// router's /stats endpoint.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{State: b.state, Failures: b.failureCount, Successes: b.successCount}
}

func (b *Breaker) transitionToOpen() {
	b.state = Open
	b.successCount = 0
}

func (b *Breaker) transitionToHalfOpen() {
	b.state = HalfOpen
	b.failureCount = 0
	b.successCount = 0
}

func (b *Breaker) transitionToClosed() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
