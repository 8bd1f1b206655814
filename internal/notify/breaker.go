package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every send through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects sends immediately.
	BreakerOpen
	// BreakerHalfOpen lets trial sends through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive failures and stays open for a
// cool-down before probing again. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	clock            clock.Clock
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
}

// NewBreaker creates a breaker. failureThreshold consecutive failures open it;
// after timeout it half-opens, and successThreshold consecutive successes
// close it again. Non-positive arguments fall back to 5, 2 and 30s.
func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration, c clock.Clock) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if c == nil {
		c = clock.System{}
	}
	return &Breaker{
		clock:            c,
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Allow reports whether a send may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != BreakerOpen
}

// RecordSuccess records a successful send.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed send.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		b.trip()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves an expired open breaker to half-open. Must be called
// with the lock held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clock.Now()
	b.successes = 0
}

// Observer receives delivery telemetry. *observability.Metrics satisfies it.
type Observer interface {
	RecordNotification(status string)
}

// Notification delivery outcomes reported to the Observer.
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Guarded wraps a Dispatcher with a Breaker. While the breaker is open sends
// fail fast with EXTERNAL_DISPATCH_ERROR instead of reaching the delivery
// channel.
type Guarded struct {
	next     Dispatcher
	breaker  *Breaker
	logger   *zap.Logger
	observer Observer
}

// GuardOption configures a Guarded dispatcher.
type GuardOption func(*Guarded)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GuardOption {
	return func(g *Guarded) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver sets the telemetry observer.
func WithObserver(o Observer) GuardOption {
	return func(g *Guarded) {
		if o != nil {
			g.observer = o
		}
	}
}

type nopObserver struct{}

func (nopObserver) RecordNotification(string) {}

// NewGuarded wraps next with breaker.
func NewGuarded(next Dispatcher, breaker *Breaker, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:     next,
		breaker:  breaker,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send forwards the message unless the breaker is open. Every failure is
// returned as EXTERNAL_DISPATCH_ERROR.
func (g *Guarded) Send(ctx context.Context, recipient, title, message string) error {
	if !g.breaker.Allow() {
		g.observer.RecordNotification(StatusRejected)
		return model.NewExternalDispatchError("notification channel unavailable (circuit open)")
	}

	if err := g.next.Send(ctx, recipient, title, message); err != nil {
		g.breaker.RecordFailure()
		g.observer.RecordNotification(StatusFailed)
		g.logger.Warn("notification dispatch failed",
			zap.String("recipient", recipient),
			zap.String("breaker", g.breaker.State().String()),
			zap.Error(err),
		)
		return model.NewExternalDispatchError(fmt.Sprintf("dispatch to %q failed: %v", recipient, err))
	}

	g.breaker.RecordSuccess()
	g.observer.RecordNotification(StatusSent)
	return nil
}
