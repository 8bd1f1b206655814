package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

// PlanInput describes a new payment plan.
type PlanInput struct {
	ClientID          string      `json:"client_id"`
	AmountTotal       model.Money `json:"amount_total"`
	InstallmentsCount int         `json:"installments_count"`
	// FirstDueDate defaults to one month after creation. Later installments
	// fall due monthly after it.
	FirstDueDate *time.Time  `json:"first_due_date,omitempty"`
	Links        []LinkInput `json:"links,omitempty"`
}

// LinkInput describes a stage payment link.
type LinkInput struct {
	StageTemplateID     string            `json:"stage_template_id"`
	Rule                model.PaymentRule `json:"rule"`
	InstallmentAmount   *model.Money      `json:"installment_amount,omitempty"`
	DaysAfterCompletion *int              `json:"days_after_completion,omitempty"`
	NotificationTitle   string            `json:"notification_title,omitempty"`
	NotificationMessage string            `json:"notification_message,omitempty"`
}

// CreatePlan creates a plan that is not linked to any journey.
func (l *Linker) CreatePlan(ctx context.Context, in PlanInput) (model.PlanDetail, error) {
	if errs := validatePlan(in, nil); len(errs) > 0 {
		return model.PlanDetail{}, model.NewValidationError(errs)
	}

	var detail model.PlanDetail
	err := l.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		var err error
		detail, err = l.insertPlan(ctx, repo, in, "")
		return err
	})
	if err != nil {
		return model.PlanDetail{}, err
	}
	return detail, nil
}

// AttachPaymentPlan creates a plan linked to a journey instance. An instance
// carries at most one plan, and every link must target a stage of the
// instance's template. The client defaults to the instance's client.
func (l *Linker) AttachPaymentPlan(ctx context.Context, instanceID string, in PlanInput) (model.PlanDetail, error) {
	var detail model.PlanDetail
	err := l.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		inst, err := repo.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if in.ClientID == "" {
			in.ClientID = inst.ClientID
		}
		if errs := validatePlan(in, templateStageIDs(inst)); len(errs) > 0 {
			return model.NewValidationError(errs)
		}

		if _, err := repo.GetPlanByInstance(ctx, instanceID); err == nil {
			return model.NewStateConflictError(model.ConflictPlanAlreadyAttached,
				fmt.Sprintf("journey instance %q already has a payment plan", instanceID))
		} else if !model.IsNotFound(err) {
			return err
		}

		detail, err = l.insertPlan(ctx, repo, in, instanceID)
		return err
	})
	if err != nil {
		return model.PlanDetail{}, err
	}

	l.logger.Info("payment plan attached",
		zap.String("instance_id", instanceID),
		zap.String("plan_id", detail.Plan.ID),
		zap.Int("links", len(detail.Links)),
	)
	return detail, nil
}

func (l *Linker) insertPlan(ctx context.Context, repo store.Repository, in PlanInput, instanceID string) (model.PlanDetail, error) {
	now := l.clock.Now()
	plan := model.PaymentPlan{
		ID:                uuid.NewString(),
		ClientID:          in.ClientID,
		JourneyInstanceID: instanceID,
		AmountTotal:       in.AmountTotal,
		InstallmentsCount: in.InstallmentsCount,
		Status:            model.PlanStatusAtivo,
		CreatedBy:         model.ActorFrom(ctx),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := repo.CreatePlan(ctx, plan); err != nil {
		return model.PlanDetail{}, err
	}

	first := now.AddDate(0, 1, 0)
	if in.FirstDueDate != nil {
		first = in.FirstDueDate.UTC()
	}
	installments := schedule(plan.ID, in.AmountTotal, in.InstallmentsCount, first)
	for _, inst := range installments {
		if err := repo.CreateInstallment(ctx, inst); err != nil {
			return model.PlanDetail{}, err
		}
	}

	links := make([]model.StagePaymentLink, 0, len(in.Links))
	for _, li := range in.Links {
		link := li.toLink(plan.ID)
		if err := repo.CreateLink(ctx, link); err != nil {
			return model.PlanDetail{}, err
		}
		links = append(links, link)
	}

	return model.PlanDetail{Plan: plan, Installments: installments, Links: links}, nil
}

// schedule splits total into count monthly installments. The remainder of the
// integer division goes to the last one.
func schedule(planID string, total model.Money, count int, first time.Time) []model.Installment {
	if count <= 0 {
		return []model.Installment{}
	}
	each := total / model.Money(count)
	out := make([]model.Installment, count)
	for i := range out {
		amount := each
		if i == count-1 {
			amount = total - each*model.Money(count-1)
		}
		out[i] = model.Installment{
			ID:             uuid.NewString(),
			PlanID:         planID,
			SequenceNumber: i + 1,
			DueDate:        first.AddDate(0, i, 0),
			Amount:         amount,
			Status:         model.InstallmentPendente,
		}
	}
	return out
}

// AddLink adds a payment link to an existing plan.
func (l *Linker) AddLink(ctx context.Context, planID string, in LinkInput) (model.StagePaymentLink, error) {
	var link model.StagePaymentLink
	err := l.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		plan, err := repo.LockPlan(ctx, planID)
		if err != nil {
			return err
		}

		var stages map[string]bool
		if plan.JourneyInstanceID != "" {
			inst, err := repo.GetInstance(ctx, plan.JourneyInstanceID)
			if err != nil {
				return err
			}
			stages = templateStageIDs(inst)
		}
		if errs := validateLink("link", in, stages); len(errs) > 0 {
			return model.NewValidationError(errs)
		}

		link = in.toLink(planID)
		return repo.CreateLink(ctx, link)
	})
	if err != nil {
		return model.StagePaymentLink{}, err
	}
	return link, nil
}

// GetPlan returns a plan with its installments and links.
func (l *Linker) GetPlan(ctx context.Context, planID string) (model.PlanDetail, error) {
	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return model.PlanDetail{}, err
	}
	return l.detail(ctx, l.store, plan)
}

// GetPlanByInstance returns the plan attached to an instance.
func (l *Linker) GetPlanByInstance(ctx context.Context, instanceID string) (model.PlanDetail, error) {
	plan, err := l.store.GetPlanByInstance(ctx, instanceID)
	if err != nil {
		return model.PlanDetail{}, err
	}
	return l.detail(ctx, l.store, plan)
}

func (l *Linker) detail(ctx context.Context, repo store.Repository, plan model.PaymentPlan) (model.PlanDetail, error) {
	installments, err := repo.ListInstallments(ctx, plan.ID)
	if err != nil {
		return model.PlanDetail{}, err
	}
	links, err := repo.ListLinks(ctx, plan.ID)
	if err != nil {
		return model.PlanDetail{}, err
	}
	return model.PlanDetail{Plan: plan, Installments: installments, Links: links}, nil
}

// RecordPayment marks an open installment paga. An ativo plan whose
// installments are all paid (ignoring cancelled ones) becomes concluido.
func (l *Linker) RecordPayment(ctx context.Context, installmentID, method string) (model.Installment, error) {
	return l.closeInstallment(ctx, installmentID, func(in *model.Installment, now time.Time) {
		in.Status = model.InstallmentPaga
		in.PaidAt = &now
		in.PaymentMethod = method
	})
}

// CancelInstallment cancels an open installment.
func (l *Linker) CancelInstallment(ctx context.Context, installmentID string) (model.Installment, error) {
	return l.closeInstallment(ctx, installmentID, func(in *model.Installment, _ time.Time) {
		in.Status = model.InstallmentCancelada
	})
}

func (l *Linker) closeInstallment(ctx context.Context, installmentID string, apply func(*model.Installment, time.Time)) (model.Installment, error) {
	var result model.Installment
	err := l.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		target, err := repo.GetInstallment(ctx, installmentID)
		if err != nil {
			return err
		}
		plan, err := repo.LockPlan(ctx, target.PlanID)
		if err != nil {
			return err
		}
		installments, err := repo.ListInstallments(ctx, plan.ID)
		if err != nil {
			return err
		}

		now := l.clock.Now()
		for i := range installments {
			in := &installments[i]
			if in.ID == installmentID {
				if !in.Status.Open() {
					return model.NewStateConflictError(model.ConflictInvalidTransition,
						fmt.Sprintf("installment %q is %s", in.ID, in.Status))
				}
				apply(in, now)
				if err := repo.UpdateInstallment(ctx, *in); err != nil {
					return err
				}
				result = *in
			}
		}

		if plan.Status == model.PlanStatusAtivo && settled(installments) {
			plan.Status = model.PlanStatusConcluido
			plan.UpdatedAt = now
			if err := repo.UpdatePlan(ctx, plan); err != nil {
				return err
			}
			l.logger.Info("payment plan concluded", zap.String("plan_id", plan.ID))
		}
		return nil
	})
	if err != nil {
		return model.Installment{}, err
	}
	return result, nil
}

// settled reports whether every installment is paga or cancelada and at
// least one was paid.
func settled(installments []model.Installment) bool {
	paid := false
	for _, in := range installments {
		switch in.Status {
		case model.InstallmentPaga:
			paid = true
		case model.InstallmentCancelada:
		default:
			return false
		}
	}
	return paid
}

// SetPlanStatus applies a manual plan transition. Allowed: any status to
// pausado, pausado to ativo, and inadimplente to ativo. A plan reactivated
// with nothing left to pay concludes at once.
func (l *Linker) SetPlanStatus(ctx context.Context, planID string, status model.PlanStatus) (model.PaymentPlan, error) {
	if !status.Valid() {
		return model.PaymentPlan{}, model.NewValidationError([]model.FieldError{{
			Field: "status", Code: "INVALID_VALUE", Message: fmt.Sprintf("unknown plan status %q", status),
		}})
	}

	var plan model.PaymentPlan
	err := l.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		var err error
		plan, err = repo.LockPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !manualTransitionAllowed(plan.Status, status) {
			return model.NewStateConflictError(model.ConflictInvalidTransition,
				fmt.Sprintf("payment plan %q cannot move from %s to %s", planID, plan.Status, status))
		}
		from := plan.Status
		plan.Status = status
		if status == model.PlanStatusAtivo {
			installments, err := repo.ListInstallments(ctx, plan.ID)
			if err != nil {
				return err
			}
			if settled(installments) {
				plan.Status = model.PlanStatusConcluido
			}
		}
		plan.UpdatedAt = l.clock.Now()
		if err := repo.UpdatePlan(ctx, plan); err != nil {
			return err
		}
		l.logger.Info("payment plan status changed",
			zap.String("plan_id", planID),
			zap.String("from", string(from)),
			zap.String("to", string(plan.Status)),
			zap.String("actor", model.ActorFrom(ctx)),
		)
		return nil
	})
	if err != nil {
		return model.PaymentPlan{}, err
	}
	return plan, nil
}

func manualTransitionAllowed(from, to model.PlanStatus) bool {
	switch to {
	case model.PlanStatusPausado:
		return from != model.PlanStatusPausado
	case model.PlanStatusAtivo:
		return from == model.PlanStatusPausado || from == model.PlanStatusInadimplente
	case model.PlanStatusConcluido, model.PlanStatusInadimplente:
		return false
	}
	return false
}

func (li LinkInput) toLink(planID string) model.StagePaymentLink {
	return model.StagePaymentLink{
		ID:                  uuid.NewString(),
		PlanID:              planID,
		StageTemplateID:     li.StageTemplateID,
		Rule:                li.Rule,
		InstallmentAmount:   li.InstallmentAmount,
		DaysAfterCompletion: li.DaysAfterCompletion,
		NotificationTitle:   li.NotificationTitle,
		NotificationMessage: li.NotificationMessage,
	}
}

// templateStageIDs returns the template stage ids snapshotted by an instance.
func templateStageIDs(inst model.JourneyInstance) map[string]bool {
	ids := make(map[string]bool, len(inst.Stages))
	for _, sp := range inst.Stages {
		ids[sp.TemplateStageID] = true
	}
	return ids
}

func validatePlan(in PlanInput, stages map[string]bool) []model.FieldError {
	var errs []model.FieldError
	if in.ClientID == "" {
		errs = append(errs, model.FieldError{Field: "client_id", Code: "REQUIRED", Message: "client_id is required"})
	}
	if in.AmountTotal < 0 {
		errs = append(errs, model.FieldError{Field: "amount_total", Code: "INVALID_VALUE", Message: "amount_total must not be negative"})
	}
	if in.InstallmentsCount < 0 {
		errs = append(errs, model.FieldError{Field: "installments_count", Code: "INVALID_VALUE", Message: "installments_count must not be negative"})
	}
	if in.InstallmentsCount == 0 && in.AmountTotal > 0 {
		errs = append(errs, model.FieldError{Field: "installments_count", Code: "INVALID_VALUE", Message: "installments_count is required when amount_total is set"})
	}
	for i, li := range in.Links {
		errs = append(errs, validateLink(fmt.Sprintf("links[%d]", i), li, stages)...)
	}
	return errs
}

// validateLink checks a link before it is stored. stages, when non-nil,
// restricts stage_template_id to the given set.
func validateLink(prefix string, li LinkInput, stages map[string]bool) []model.FieldError {
	var errs []model.FieldError
	if li.StageTemplateID == "" {
		errs = append(errs, model.FieldError{Field: prefix + ".stage_template_id", Code: "REQUIRED", Message: "stage_template_id is required"})
	} else if stages != nil && !stages[li.StageTemplateID] {
		errs = append(errs, model.FieldError{
			Field:   prefix + ".stage_template_id",
			Code:    "UNKNOWN_STAGE",
			Message: fmt.Sprintf("stage %q is not part of the journey's template", li.StageTemplateID),
		})
	}
	if !li.Rule.Valid() {
		errs = append(errs, model.FieldError{Field: prefix + ".rule", Code: "INVALID_VALUE", Message: fmt.Sprintf("unknown rule %q", li.Rule)})
		return errs
	}
	if field, problem := ruleProblem(li.toLink("")); problem != "" {
		errs = append(errs, model.FieldError{Field: prefix + "." + field, Code: "INVALID_VALUE", Message: problem})
	}
	return errs
}
