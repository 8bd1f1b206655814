// Package billing couples journey milestones to payment plans and ages unpaid
// installments.
package billing

import (
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/model"
)

// Observer receives billing telemetry. *observability.Metrics satisfies it.
type Observer interface {
	RecordBillingRuleFiring(rule model.PaymentRule)
	RecordBillingRuleError(rule model.PaymentRule)
	RecordSweep(duration time.Duration, aged, defaulted, failures int)
}

type nopObserver struct{}

func (nopObserver) RecordBillingRuleFiring(model.PaymentRule) {}
func (nopObserver) RecordBillingRuleError(model.PaymentRule)  {}
func (nopObserver) RecordSweep(time.Duration, int, int, int)  {}

type options struct {
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
}

// Option configures a Linker or Reconciler.
type Option func(*options)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the telemetry observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    clock.System{},
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Notification is a message produced by a send_notification rule. It is
// handed to the dispatcher only after the triggering unit commits.
type Notification struct {
	Recipient  string `json:"recipient"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	InstanceID string `json:"instance_id"`
	LinkID     string `json:"link_id"`
}
