// Package breaker guards the prediction backend with a circuit breaker so a
// degraded backend pauses dispatch instead of failing every item in a batch.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/predictq/internal/config"
)

// ErrOpen is returned by Allow while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position in its Closed -> Open -> HalfOpen cycle.
type State int

const (
	// StateClosed: normal dispatch, failures counted.
	StateClosed State = iota
	// StateOpen: dispatch suspended until the reset timeout elapses.
	StateOpen
	// StateHalfOpen: a single probe call is allowed through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive backend failures. It is shared process-wide by
// all workers dispatching to the same backend and is safe for concurrent use.
// It holds no ambient globals; construct one and pass it to the scheduler.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probing     bool
	now         func() time.Time
}

// New creates a Breaker from config. The breaker opens after
// FailureThreshold consecutive failures and allows a half-open probe after
// ResetTimeout.
func New(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrOpen until the reset timeout has elapsed, then admits exactly one probe
// (half-open); further callers keep getting ErrOpen until the probe reports.
// A caller admitted by Allow holds the probe slot and must follow up with
// RecordSuccess or RecordFailure whatever the outcome; use State for a check
// that does not consume the slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}

	return nil
}

// RecordSuccess resets the failure count; in half-open it closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.setState(StateClosed)
		b.failures = 0
		b.probing = false
	}
}

// RecordFailure counts a backend failure; at the threshold the breaker opens.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.setState(StateOpen)
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.openedAt = b.now()
		b.probing = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with b.mu held.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	slog.Info("circuit breaker state change",
		"from", b.state.String(),
		"to", next.String(),
		"failures", b.failures,
	)
	b.state = next
}
