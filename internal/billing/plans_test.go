package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/jornada/model"
)

func TestSchedule_remainderOnLast(t *testing.T) {
	got := schedule("plan-1", 10000, 3, t0)
	require.Len(t, got, 3)

	assert.Equal(t, model.Money(3333), got[0].Amount)
	assert.Equal(t, model.Money(3333), got[1].Amount)
	assert.Equal(t, model.Money(3334), got[2].Amount)
	for i, in := range got {
		assert.Equal(t, i+1, in.SequenceNumber)
		assert.True(t, in.DueDate.Equal(t0.AddDate(0, i, 0)))
		assert.Equal(t, model.InstallmentPendente, in.Status)
	}

	assert.Empty(t, schedule("plan-1", 0, 0, t0))
}

func TestCreatePlan_unlinked(t *testing.T) {
	f := newFixture(t)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{ActorID: "fin-rita"})

	detail, err := f.linker().CreatePlan(ctx, PlanInput{ClientID: "cli-9", AmountTotal: 1200, InstallmentsCount: 2})
	require.NoError(t, err)

	assert.Equal(t, model.PlanStatusAtivo, detail.Plan.Status)
	assert.Equal(t, "fin-rita", detail.Plan.CreatedBy)
	assert.Empty(t, detail.Plan.JourneyInstanceID)
	assert.Len(t, detail.Installments, 2)
	assert.True(t, detail.Installments[0].DueDate.Equal(t0.AddDate(0, 1, 0)))
}

func TestCreatePlan_validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker().CreatePlan(context.Background(), PlanInput{
		AmountTotal: 100,
		Links:       []LinkInput{{StageTemplateID: "ts-1", Rule: model.RuleCreateInstallment}},
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))

	env, _ := model.AsEnvelope(err)
	fields := map[string]bool{}
	for _, d := range env.Details {
		fields[d.Field] = true
	}
	assert.True(t, fields["client_id"])
	assert.True(t, fields["installments_count"])
	assert.True(t, fields["links[0].installment_amount"])
}

func TestAttachPaymentPlan_defaultsClientAndRejectsSecond(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()

	detail, err := l.AttachPaymentPlan(ctx, "inst-1", PlanInput{AmountTotal: 100, InstallmentsCount: 1})
	require.NoError(t, err)
	assert.Equal(t, "cli-1", detail.Plan.ClientID)
	assert.Equal(t, "inst-1", detail.Plan.JourneyInstanceID)

	_, err = l.AttachPaymentPlan(ctx, "inst-1", PlanInput{AmountTotal: 100, InstallmentsCount: 1})
	assert.True(t, model.IsConflict(err, model.ConflictPlanAlreadyAttached), "err = %v", err)
}

func TestAttachPaymentPlan_unknownStage(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker().AttachPaymentPlan(context.Background(), "inst-1", PlanInput{
		Links: []LinkInput{{StageTemplateID: "ts-404", Rule: model.RuleSendNotification}},
	})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))
}

func TestAttachPaymentPlan_instanceNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker().AttachPaymentPlan(context.Background(), "missing", PlanInput{})
	assert.True(t, model.IsNotFound(err))
}

func TestAddLink(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.AttachPaymentPlan(ctx, "inst-1", PlanInput{})
	require.NoError(t, err)

	link, err := l.AddLink(ctx, detail.Plan.ID, LinkInput{StageTemplateID: "ts-3", Rule: model.RuleActivateInstallment, DaysAfterCompletion: days(7)})
	require.NoError(t, err)
	assert.NotEmpty(t, link.ID)

	_, err = l.AddLink(ctx, detail.Plan.ID, LinkInput{StageTemplateID: "ts-404", Rule: model.RuleSendNotification})
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))

	got, err := l.GetPlan(ctx, detail.Plan.ID)
	require.NoError(t, err)
	assert.Len(t, got.Links, 1)
}

func TestRecordPayment_concludesPlan(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.CreatePlan(ctx, PlanInput{ClientID: "cli-1", AmountTotal: 2000, InstallmentsCount: 2})
	require.NoError(t, err)

	paid, err := l.RecordPayment(ctx, detail.Installments[0].ID, "pix")
	require.NoError(t, err)
	assert.Equal(t, model.InstallmentPaga, paid.Status)
	assert.Equal(t, "pix", paid.PaymentMethod)
	require.NotNil(t, paid.PaidAt)

	plan, _ := f.store.GetPlan(ctx, detail.Plan.ID)
	assert.Equal(t, model.PlanStatusAtivo, plan.Status)

	_, err = l.CancelInstallment(ctx, detail.Installments[1].ID)
	require.NoError(t, err)

	plan, _ = f.store.GetPlan(ctx, detail.Plan.ID)
	assert.Equal(t, model.PlanStatusConcluido, plan.Status)
}

func TestRecordPayment_rejectsClosedInstallment(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.CreatePlan(ctx, PlanInput{ClientID: "cli-1", AmountTotal: 1000, InstallmentsCount: 1})
	require.NoError(t, err)

	_, err = l.RecordPayment(ctx, detail.Installments[0].ID, "boleto")
	require.NoError(t, err)

	_, err = l.RecordPayment(ctx, detail.Installments[0].ID, "boleto")
	assert.True(t, model.IsConflict(err, model.ConflictInvalidTransition), "err = %v", err)

	_, err = l.CancelInstallment(ctx, detail.Installments[0].ID)
	assert.True(t, model.IsConflict(err, model.ConflictInvalidTransition), "err = %v", err)
}

func TestRecordPayment_defaultedPlanStaysDefaulted(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.CreatePlan(ctx, PlanInput{ClientID: "cli-1", AmountTotal: 1000, InstallmentsCount: 1, FirstDueDate: &t0})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.reconciler().Sweep(ctx)
	require.NoError(t, err)

	_, err = l.RecordPayment(ctx, detail.Installments[0].ID, "pix")
	require.NoError(t, err)

	plan, _ := f.store.GetPlan(ctx, detail.Plan.ID)
	assert.Equal(t, model.PlanStatusInadimplente, plan.Status, "recovery is manual only")
}

func TestSetPlanStatus_transitions(t *testing.T) {
	tests := []struct {
		from model.PlanStatus
		to   model.PlanStatus
		ok   bool
	}{
		{model.PlanStatusAtivo, model.PlanStatusPausado, true},
		{model.PlanStatusInadimplente, model.PlanStatusPausado, true},
		{model.PlanStatusConcluido, model.PlanStatusPausado, true},
		{model.PlanStatusPausado, model.PlanStatusPausado, false},
		{model.PlanStatusPausado, model.PlanStatusAtivo, true},
		{model.PlanStatusInadimplente, model.PlanStatusAtivo, true},
		{model.PlanStatusAtivo, model.PlanStatusAtivo, false},
		{model.PlanStatusConcluido, model.PlanStatusAtivo, false},
		{model.PlanStatusAtivo, model.PlanStatusInadimplente, false},
		{model.PlanStatusAtivo, model.PlanStatusConcluido, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.store.CreatePlan(ctx, model.PaymentPlan{ID: "plan-1", ClientID: "cli-1", Status: tt.from}))

			plan, err := f.linker().SetPlanStatus(ctx, "plan-1", tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, plan.Status)
			} else {
				assert.True(t, model.IsConflict(err, model.ConflictInvalidTransition), "err = %v", err)
			}
		})
	}
}

func TestSetPlanStatus_reactivatingSettledPlanConcludes(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.CreatePlan(ctx, PlanInput{ClientID: "cli-1", AmountTotal: 1000, InstallmentsCount: 1, FirstDueDate: &t0})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.reconciler().Sweep(ctx)
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, detail.Installments[0].ID, "pix")
	require.NoError(t, err)

	plan, err := l.SetPlanStatus(ctx, detail.Plan.ID, model.PlanStatusAtivo)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusConcluido, plan.Status)

	stored, _ := f.store.GetPlan(ctx, detail.Plan.ID)
	assert.Equal(t, model.PlanStatusConcluido, stored.Status)
}

func TestSetPlanStatus_resumingPaidOffPausedPlanConcludes(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.CreatePlan(ctx, PlanInput{ClientID: "cli-1", AmountTotal: 2000, InstallmentsCount: 2})
	require.NoError(t, err)

	_, err = l.SetPlanStatus(ctx, detail.Plan.ID, model.PlanStatusPausado)
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, detail.Installments[0].ID, "pix")
	require.NoError(t, err)
	_, err = l.CancelInstallment(ctx, detail.Installments[1].ID)
	require.NoError(t, err)

	stored, _ := f.store.GetPlan(ctx, detail.Plan.ID)
	require.Equal(t, model.PlanStatusPausado, stored.Status)

	plan, err := l.SetPlanStatus(ctx, detail.Plan.ID, model.PlanStatusAtivo)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusConcluido, plan.Status)
}

func TestSetPlanStatus_reactivatingOpenPlanStaysActive(t *testing.T) {
	f := newFixture(t)
	l := f.linker()
	ctx := context.Background()
	detail, err := l.CreatePlan(ctx, PlanInput{ClientID: "cli-1", AmountTotal: 2000, InstallmentsCount: 2})
	require.NoError(t, err)

	_, err = l.SetPlanStatus(ctx, detail.Plan.ID, model.PlanStatusPausado)
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, detail.Installments[0].ID, "pix")
	require.NoError(t, err)

	plan, err := l.SetPlanStatus(ctx, detail.Plan.ID, model.PlanStatusAtivo)
	require.NoError(t, err)
	assert.Equal(t, model.PlanStatusAtivo, plan.Status)
}

func TestSetPlanStatus_unknownStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker().SetPlanStatus(context.Background(), "plan-1", "arquivado")
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))
}
