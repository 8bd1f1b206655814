package billing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

const (
	defaultNotificationTitle   = "Etapa concluída: {{stage}}"
	defaultNotificationMessage = "A etapa \"{{stage}}\" do seu processo foi concluída."
)

// Linker evaluates payment links when stages complete and manages payment
// plans.
type Linker struct {
	options
	store store.Store
}

// NewLinker creates a Linker backed by s.
func NewLinker(s store.Store, opts ...Option) *Linker {
	return &Linker{options: buildOptions(opts), store: s}
}

// Evaluation is the outcome of evaluating one stage completion.
type Evaluation struct {
	Fired         []model.LinkFiring
	Failed        []string // link ids rejected with BillingRuleError
	Notifications []Notification
}

// EvaluateStageCompletion fires every payment link of the instance's plan
// that targets the completed stage's template stage and has not fired for
// this instance yet. It must run inside the caller's atomic unit via repo.
//
// Malformed links are logged, recorded on the audit trail and skipped; they
// never fail the evaluation. Only storage errors are returned.
func (l *Linker) EvaluateStageCompletion(
	ctx context.Context,
	repo store.Repository,
	inst model.JourneyInstance,
	sp model.StageProgress,
) (eval Evaluation, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.EvaluateStageCompletion",
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrStageID.String(sp.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	plan, err := repo.GetPlanByInstance(ctx, inst.ID)
	if model.IsNotFound(err) {
		return eval, nil
	}
	if err != nil {
		return eval, err
	}
	// Serializes with the reconciliation sweep and payment recording.
	plan, err = repo.LockPlan(ctx, plan.ID)
	if err != nil {
		return eval, err
	}
	span.SetAttributes(observability.AttrPlanID.String(plan.ID))

	links, err := repo.ListLinks(ctx, plan.ID)
	if err != nil {
		return eval, err
	}

	now := l.clock.Now()
	actor := model.ActorFrom(ctx)
	logger := l.logger.With(
		zap.String("instance_id", inst.ID),
		zap.String("plan_id", plan.ID),
		zap.String("stage_progress_id", sp.ID),
	)

	for _, link := range links {
		if link.StageTemplateID != sp.TemplateStageID {
			continue
		}

		if field, problem := ruleProblem(link); problem != "" {
			ruleErr := model.NewBillingRuleError(link.ID, problem)
			logger.Warn("billing rule skipped",
				zap.String("link_id", link.ID),
				zap.String("rule", string(link.Rule)),
				zap.String("field", field),
				zap.Error(ruleErr),
			)
			l.observer.RecordBillingRuleError(link.Rule)
			if err := appendEvent(ctx, repo, inst.ID, sp.ID, model.EventBillingRuleFailed, actor, now, map[string]any{
				"link_id": link.ID,
				"rule":    string(link.Rule),
				"error":   ruleErr.Message,
			}); err != nil {
				return eval, err
			}
			eval.Failed = append(eval.Failed, link.ID)
			continue
		}

		firing := model.LinkFiring{
			LinkID:          link.ID,
			InstanceID:      inst.ID,
			StageProgressID: sp.ID,
			Rule:            link.Rule,
			FiredAt:         now,
		}
		created, err := repo.RecordFiring(ctx, firing)
		if err != nil {
			return eval, err
		}
		if !created {
			logger.Debug("billing rule already fired", zap.String("link_id", link.ID))
			continue
		}

		data := map[string]any{"link_id": link.ID, "rule": string(link.Rule)}
		switch link.Rule {
		case model.RuleCreateInstallment:
			in, err := l.createInstallment(ctx, repo, plan, link, sp, now)
			if err != nil {
				return eval, err
			}
			data["installment_id"] = in.ID
			data["sequence_number"] = in.SequenceNumber
		case model.RuleActivateInstallment:
			in, ok, err := l.activateInstallment(ctx, repo, plan, link, sp, now)
			if err != nil {
				return eval, err
			}
			if ok {
				data["installment_id"] = in.ID
				data["due_date"] = in.DueDate
			} else {
				logger.Info("no installment left to activate", zap.String("link_id", link.ID))
			}
		case model.RuleSendNotification:
			eval.Notifications = append(eval.Notifications, renderNotification(inst, sp, link))
		}

		if err := appendEvent(ctx, repo, inst.ID, sp.ID, model.EventBillingRuleFired, actor, now, data); err != nil {
			return eval, err
		}
		span.AddEvent(model.EventBillingRuleFired, trace.WithAttributes(observability.AttrRule.String(string(link.Rule))))
		l.observer.RecordBillingRuleFiring(link.Rule)
		eval.Fired = append(eval.Fired, firing)
	}

	return eval, nil
}

// createInstallment appends a pendente installment due now after the
// plan's highest sequence number.
func (l *Linker) createInstallment(
	ctx context.Context,
	repo store.Repository,
	plan model.PaymentPlan,
	link model.StagePaymentLink,
	sp model.StageProgress,
	now time.Time,
) (model.Installment, error) {
	existing, err := repo.ListInstallments(ctx, plan.ID)
	if err != nil {
		return model.Installment{}, err
	}
	seq := 0
	for _, in := range existing {
		seq = max(seq, in.SequenceNumber)
	}

	in := model.Installment{
		ID:                 uuid.NewString(),
		PlanID:             plan.ID,
		SequenceNumber:     seq + 1,
		DueDate:            now,
		Amount:             *link.InstallmentAmount,
		Status:             model.InstallmentPendente,
		TriggeredByStageID: sp.ID,
	}
	if err := repo.CreateInstallment(ctx, in); err != nil {
		return model.Installment{}, err
	}

	plan.InstallmentsCount = len(existing) + 1
	plan.UpdatedAt = now
	if err := repo.UpdatePlan(ctx, plan); err != nil {
		return model.Installment{}, err
	}
	return in, nil
}

// activateInstallment sets the due date of the earliest pendente installment
// that has not been activated yet. It reports false when none qualifies.
func (l *Linker) activateInstallment(
	ctx context.Context,
	repo store.Repository,
	plan model.PaymentPlan,
	link model.StagePaymentLink,
	sp model.StageProgress,
	now time.Time,
) (model.Installment, bool, error) {
	existing, err := repo.ListInstallments(ctx, plan.ID)
	if err != nil {
		return model.Installment{}, false, err
	}
	slices.SortFunc(existing, func(a, b model.Installment) int { return a.SequenceNumber - b.SequenceNumber })

	for _, in := range existing {
		if in.Status != model.InstallmentPendente || in.ActivatedAt != nil {
			continue
		}
		activated := now
		in.DueDate = now.AddDate(0, 0, *link.DaysAfterCompletion)
		in.ActivatedAt = &activated
		in.TriggeredByStageID = sp.ID
		if err := repo.UpdateInstallment(ctx, in); err != nil {
			return model.Installment{}, false, err
		}
		return in, true, nil
	}
	return model.Installment{}, false, nil
}

// ruleProblem reports the first malformed parameter of a link, or an empty
// problem when the link can fire.
func ruleProblem(link model.StagePaymentLink) (field, problem string) {
	switch link.Rule {
	case model.RuleCreateInstallment:
		if link.InstallmentAmount == nil {
			return "installment_amount", "installment_amount is missing"
		}
		if *link.InstallmentAmount <= 0 {
			return "installment_amount", fmt.Sprintf("installment_amount must be positive, got %d", *link.InstallmentAmount)
		}
	case model.RuleActivateInstallment:
		if link.DaysAfterCompletion == nil {
			return "days_after_completion", "days_after_completion is missing"
		}
		if *link.DaysAfterCompletion < 0 {
			return "days_after_completion", fmt.Sprintf("days_after_completion must not be negative, got %d", *link.DaysAfterCompletion)
		}
	case model.RuleSendNotification:
	default:
		return "rule", fmt.Sprintf("unknown rule %q", link.Rule)
	}
	return "", ""
}

// renderNotification expands the {{stage}}, {{client_id}} and {{matter_id}}
// placeholders of a link's message. The client is the recipient.
func renderNotification(inst model.JourneyInstance, sp model.StageProgress, link model.StagePaymentLink) Notification {
	title := link.NotificationTitle
	if title == "" {
		title = defaultNotificationTitle
	}
	message := link.NotificationMessage
	if message == "" {
		message = defaultNotificationMessage
	}

	r := strings.NewReplacer(
		"{{stage}}", sp.Title,
		"{{client_id}}", inst.ClientID,
		"{{matter_id}}", inst.MatterID,
	)
	return Notification{
		Recipient:  inst.ClientID,
		Title:      r.Replace(title),
		Message:    r.Replace(message),
		InstanceID: inst.ID,
		LinkID:     link.ID,
	}
}

func appendEvent(
	ctx context.Context,
	repo store.Repository,
	instanceID, stageProgressID, event, actor string,
	at time.Time,
	data map[string]any,
) error {
	return repo.AppendEvent(ctx, model.JourneyEvent{
		ID:              uuid.NewString(),
		InstanceID:      instanceID,
		StageProgressID: stageProgressID,
		Event:           event,
		ActorID:         actor,
		Data:            data,
		Timestamp:       at,
	})
}
