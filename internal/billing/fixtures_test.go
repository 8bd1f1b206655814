package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

var t0 = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

func money(v int64) *model.Money {
	m := model.Money(v)
	return &m
}

func days(v int) *int { return &v }

type fixture struct {
	store *store.MemoryStore
	clock *clock.Fake
	inst  model.JourneyInstance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), clock: clock.NewFake(t0)}
	f.inst = model.JourneyInstance{
		ID:                   "inst-1",
		TemplateID:           "tpl-1",
		ClientID:             "cli-1",
		MatterID:             "proc-77",
		Owner:                "adv-ana",
		Status:               model.InstanceStatusActive,
		StartedAt:            t0,
		UpdatedAt:            t0,
		CurrentStagePosition: 2,
		Version:              1,
		Stages: []model.StageProgress{
			{ID: "sp-1", InstanceID: "inst-1", TemplateStageID: "ts-1", Position: 1, Title: "Coleta de documentos", Mandatory: true, Status: model.StageStatusCompleted, Version: 2},
			{ID: "sp-2", InstanceID: "inst-1", TemplateStageID: "ts-2", Position: 2, Title: "Petição Protocolada", Mandatory: true, Status: model.StageStatusInProgress, Version: 2},
			{ID: "sp-3", InstanceID: "inst-1", TemplateStageID: "ts-3", Position: 3, Title: "Audiência", Mandatory: true, Status: model.StageStatusPending, Version: 1},
		},
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), f.inst))
	return f
}

func (f *fixture) linker() *Linker {
	return NewLinker(f.store, WithClock(f.clock))
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.store, WithClock(f.clock))
}

// evaluate runs EvaluateStageCompletion for the given stage in its own unit.
func (f *fixture) evaluate(t *testing.T, l *Linker, stageID string) Evaluation {
	t.Helper()
	sp := f.inst.Stage(stageID)
	require.NotNil(t, sp)

	var eval Evaluation
	err := f.store.Atomically(context.Background(), func(ctx context.Context, repo store.Repository) error {
		var err error
		eval, err = l.EvaluateStageCompletion(ctx, repo, f.inst, *sp)
		return err
	})
	require.NoError(t, err)
	return eval
}
