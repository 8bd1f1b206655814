// Package store persists templates, journey instances and billing state, and
// provides the atomic unit that stage advancement and reconciliation run in.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/jornada/model"
)

// Repository holds every read and write the engine issues. Inside
// Store.Atomically all calls made through the supplied Repository commit or
// roll back together.
type Repository interface {
	// CreateTemplate persists a new template with its stages.
	CreateTemplate(ctx context.Context, tpl model.JourneyTemplate) error

	// GetTemplate retrieves a template and its stages ordered by position.
	// Returns NOT_FOUND if absent.
	GetTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error)

	// LockTemplate is GetTemplate that also holds an exclusive row lock on the
	// template until the enclosing atomic unit ends.
	LockTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error)

	// ShareTemplate is GetTemplate that holds a shared row lock: concurrent
	// holders proceed together and LockTemplate waits for all of them.
	ShareTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error)

	// UpdateTemplate replaces a template and its stages.
	UpdateTemplate(ctx context.Context, tpl model.JourneyTemplate) error

	// ListTemplates returns templates, optionally filtered by niche, newest first.
	ListTemplates(ctx context.Context, niche string) ([]model.JourneyTemplate, error)

	// CountInstances returns how many instances reference a template.
	CountInstances(ctx context.Context, templateID string) (int, error)

	// CreateInstance persists a new instance and its stage progress rows.
	CreateInstance(ctx context.Context, inst model.JourneyInstance) error

	// GetInstance retrieves an instance with its stages. Returns NOT_FOUND if
	// absent.
	GetInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error)

	// LockInstance is GetInstance that also holds a row lock on the instance
	// until the enclosing atomic unit ends.
	LockInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error)

	// UpdateInstance persists the instance row with optimistic locking on
	// Version. Stage rows are written separately with UpdateStage.
	UpdateInstance(ctx context.Context, inst model.JourneyInstance) error

	// UpdateStage persists a stage progress row with compare-and-swap on its
	// Version. Returns CONFLICT(StageAlreadyCompleted) if the version moved.
	UpdateStage(ctx context.Context, sp model.StageProgress) error

	// ListInstances returns instances matching the filters, newest first.
	ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.JourneyInstance, error)

	// AppendEvent adds an event to an instance's audit trail.
	AppendEvent(ctx context.Context, event model.JourneyEvent) error

	// ListEvents returns an instance's audit trail ordered by timestamp.
	ListEvents(ctx context.Context, instanceID string) ([]model.JourneyEvent, error)

	// CreatePlan persists a new payment plan.
	CreatePlan(ctx context.Context, plan model.PaymentPlan) error

	// GetPlan retrieves a plan. Returns NOT_FOUND if absent.
	GetPlan(ctx context.Context, planID string) (model.PaymentPlan, error)

	// LockPlan is GetPlan that also holds a row lock on the plan.
	LockPlan(ctx context.Context, planID string) (model.PaymentPlan, error)

	// GetPlanByInstance retrieves the plan attached to an instance. Returns
	// NOT_FOUND if the instance has none.
	GetPlanByInstance(ctx context.Context, instanceID string) (model.PaymentPlan, error)

	// UpdatePlan persists a plan's mutable fields.
	UpdatePlan(ctx context.Context, plan model.PaymentPlan) error

	// CreateInstallment persists a new installment. Returns
	// CONFLICT(Duplicate) if the sequence number is taken within the plan.
	CreateInstallment(ctx context.Context, in model.Installment) error

	// GetInstallment retrieves an installment. Returns NOT_FOUND if absent.
	GetInstallment(ctx context.Context, installmentID string) (model.Installment, error)

	// UpdateInstallment persists an installment's mutable fields.
	UpdateInstallment(ctx context.Context, in model.Installment) error

	// ListInstallments returns a plan's installments ordered by sequence.
	ListInstallments(ctx context.Context, planID string) ([]model.Installment, error)

	// CreateLink persists a stage payment link.
	CreateLink(ctx context.Context, link model.StagePaymentLink) error

	// ListLinks returns the payment links of a plan.
	ListLinks(ctx context.Context, planID string) ([]model.StagePaymentLink, error)

	// RecordFiring stores a firing marker if none exists for the same
	// (link, instance). It reports whether the marker was newly written.
	RecordFiring(ctx context.Context, firing model.LinkFiring) (bool, error)

	// ListFirings returns the firing markers recorded for an instance.
	ListFirings(ctx context.Context, instanceID string) ([]model.LinkFiring, error)

	// FindPlansToReconcile returns ids of plans owning a pendente installment
	// due before cutoff, plus ativo plans owning a vencida installment.
	FindPlansToReconcile(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Store is a Repository that can run a function as one atomic unit.
type Store interface {
	Repository

	// Atomically runs fn inside a single transaction. If fn returns an error
	// every write made through repo is discarded.
	Atomically(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
