package journey

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

// --- Test helpers ---

var t0 = time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC)

type stageSpec struct {
	title     string
	mandatory bool
	slaHours  int
}

func mandatory(title string, slaHours int) stageSpec { return stageSpec{title, true, slaHours} }
func optional(title string, slaHours int) stageSpec  { return stageSpec{title, false, slaHours} }

// seedTemplate stores a template whose stage ids are "<id>-s<position>".
func seedTemplate(t *testing.T, s store.Store, id, niche string, stages ...stageSpec) model.JourneyTemplate {
	t.Helper()
	tpl := model.JourneyTemplate{ID: id, Name: "Template " + id, Niche: niche, CreatedAt: t0, UpdatedAt: t0}
	for i, st := range stages {
		tpl.Stages = append(tpl.Stages, model.TemplateStage{
			ID:         fmt.Sprintf("%s-s%d", id, i+1),
			TemplateID: id,
			Position:   i + 1,
			Title:      st.title,
			Type:       model.StageTypeTask,
			Mandatory:  st.mandatory,
			SLAHours:   st.slaHours,
		})
	}
	tpl.StepsCount = len(tpl.Stages)
	if err := s.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("seed template %q: %v", id, err)
	}
	return tpl
}

type recordingDispatcher struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (d *recordingDispatcher) Send(_ context.Context, recipient, title, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, recipient+": "+title)
	return d.err
}

type countingObserver struct {
	mu        sync.Mutex
	started   int
	advances  map[model.StageOutcome]int
	completed int
}

func (o *countingObserver) RecordInstanceStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) RecordStageAdvance(outcome model.StageOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.advances == nil {
		o.advances = map[model.StageOutcome]int{}
	}
	o.advances[outcome]++
}

func (o *countingObserver) RecordInstanceCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

type testEnv struct {
	store      *store.MemoryStore
	clock      *clock.Fake
	linker     *billing.Linker
	engine     *Engine
	dispatcher *recordingDispatcher
	observer   *countingObserver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      store.NewMemoryStore(),
		clock:      clock.NewFake(t0),
		dispatcher: &recordingDispatcher{},
		observer:   &countingObserver{},
	}
	env.linker = billing.NewLinker(env.store, billing.WithClock(env.clock))
	env.engine = env.newEngine(env.store)
	return env
}

// newEngine builds an engine over s sharing the env's clock and collaborators.
func (env *testEnv) newEngine(s store.Store) *Engine {
	return NewEngine(s, billing.NewLinker(s, billing.WithClock(env.clock)),
		WithClock(env.clock),
		WithDispatcher(env.dispatcher),
		WithObserver(env.observer),
	)
}

func (env *testEnv) start(t *testing.T, templateID string) model.JourneyInstance {
	t.Helper()
	inst, err := env.engine.StartInstance(context.Background(), StartInput{
		TemplateID: templateID,
		ClientID:   "cli-1",
		MatterID:   "0001234-56.2026.5.02.0001",
		Owner:      "adv-ana",
	})
	if err != nil {
		t.Fatalf("StartInstance() error: %v", err)
	}
	return inst
}

func (env *testEnv) advance(t *testing.T, inst model.JourneyInstance, position int, outcome model.StageOutcome) model.JourneyInstance {
	t.Helper()
	sp := inst.StageAt(position)
	if sp == nil {
		t.Fatalf("no stage at position %d", position)
	}
	got, err := env.engine.AdvanceStage(context.Background(), AdvanceInput{
		InstanceID:      inst.ID,
		StageProgressID: sp.ID,
		Outcome:         outcome,
		Actor:           "adv-ana",
	})
	if err != nil {
		t.Fatalf("AdvanceStage(position %d, %s) error: %v", position, outcome, err)
	}
	return got
}

func expectConflict(t *testing.T, err error, reason string) {
	t.Helper()
	if !model.IsConflict(err, reason) {
		t.Fatalf("error = %v, want STATE_CONFLICT(%s)", err, reason)
	}
}

func eventNames(t *testing.T, s store.Store, instanceID string) []string {
	t.Helper()
	events, err := s.ListEvents(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

// --- StartInstance ---

func TestStartInstance_activatesFirstStage(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("Coleta", 24), mandatory("Petição", 48), mandatory("Audiência", 12))

	inst := env.start(t, "trab")

	if inst.Status != model.InstanceStatusActive {
		t.Errorf("Status = %q, want active", inst.Status)
	}
	if inst.ProgressPct != 0 {
		t.Errorf("ProgressPct = %v, want 0", inst.ProgressPct)
	}
	if inst.CurrentStagePosition != 1 {
		t.Errorf("CurrentStagePosition = %d, want 1", inst.CurrentStagePosition)
	}
	if inst.NextAction == nil || inst.NextAction.Title != "Coleta" {
		t.Errorf("NextAction = %+v, want title Coleta", inst.NextAction)
	}

	first := inst.StageAt(1)
	if first.Status != model.StageStatusInProgress {
		t.Errorf("stage 1 status = %q, want in_progress", first.Status)
	}
	if first.SLADueAt == nil || !first.SLADueAt.Equal(t0.Add(24*time.Hour)) {
		t.Errorf("stage 1 SLADueAt = %v, want %v", first.SLADueAt, t0.Add(24*time.Hour))
	}
	if first.TemplateStageID != "trab-s1" {
		t.Errorf("stage 1 TemplateStageID = %q, want trab-s1", first.TemplateStageID)
	}
	for _, pos := range []int{2, 3} {
		sp := inst.StageAt(pos)
		if sp.Status != model.StageStatusPending || sp.SLADueAt != nil {
			t.Errorf("stage %d = %s due %v, want pending without due date", pos, sp.Status, sp.SLADueAt)
		}
	}

	want := []string{model.EventInstanceStarted, model.EventStageStarted}
	if got := eventNames(t, env.store, inst.ID); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if env.observer.started != 1 {
		t.Errorf("observer started = %d, want 1", env.observer.started)
	}
}

func TestStartInstance_templateNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.StartInstance(context.Background(), StartInput{TemplateID: "missing", ClientID: "c", Owner: "o"})
	if !model.IsNotFound(err) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestStartInstance_validation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.StartInstance(context.Background(), StartInput{})
	envelope, ok := model.AsEnvelope(err)
	if !ok || envelope.Code != model.ErrValidationError {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	if len(envelope.Details) != 3 {
		t.Errorf("details = %d, want 3 (template_id, client_id, owner)", len(envelope.Details))
	}
}

func TestStartInstance_snapshotIgnoresLaterTemplateEdits(t *testing.T) {
	env := newTestEnv(t)
	tpl := seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("Coleta", 24), mandatory("Petição", 48))
	inst := env.start(t, "trab")

	tpl.Stages[1].Title = "Petição Inicial Revisada"
	tpl.Stages[1].SLAHours = 1
	if err := env.store.UpdateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("UpdateTemplate() error: %v", err)
	}

	got, err := env.engine.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error: %v", err)
	}
	if sp := got.StageAt(2); sp.Title != "Petição" || sp.SLAHours != 48 {
		t.Errorf("stage 2 = %q/%dh, want the original snapshot Petição/48h", sp.Title, sp.SLAHours)
	}
}

// --- AdvanceStage ---

func TestAdvanceStage_slaScenario(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("Coleta", 24), mandatory("Petição", 48), mandatory("Audiência", 12))
	inst := env.start(t, "trab")

	env.clock.Advance(30 * time.Hour)

	before, err := env.engine.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error: %v", err)
	}
	if b := before.StageAt(1).SLABucket; b != model.SLAOverdue {
		t.Errorf("stage 1 bucket before completion = %q, want overdue", b)
	}

	after := env.advance(t, inst, 1, model.OutcomeCompleted)

	second := after.StageAt(2)
	if second.Status != model.StageStatusInProgress {
		t.Fatalf("stage 2 status = %q, want in_progress", second.Status)
	}
	wantDue := t0.Add(30 * time.Hour).Add(48 * time.Hour)
	if !second.SLADueAt.Equal(wantDue) {
		t.Errorf("stage 2 SLADueAt = %v, want %v", second.SLADueAt, wantDue)
	}
	if after.CurrentStagePosition != 2 {
		t.Errorf("CurrentStagePosition = %d, want 2", after.CurrentStagePosition)
	}
	if first := after.StageAt(1); first.SLABucket != model.SLAOnTrack || first.CompletedBy != "adv-ana" {
		t.Errorf("stage 1 = bucket %q by %q, want on_track by adv-ana", first.SLABucket, first.CompletedBy)
	}
}

func TestAdvanceStage_progressInvariant(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "prev", "Previdenciário",
		mandatory("A", 24), optional("B", 24), mandatory("C", 24), optional("D", 24), mandatory("E", 24))
	inst := env.start(t, "prev")

	steps := []struct {
		position int
		outcome  model.StageOutcome
	}{
		{1, model.OutcomeCompleted},
		{2, model.OutcomeSkipped},
		{3, model.OutcomeCompleted},
		{4, model.OutcomeCompleted},
		{5, model.OutcomeCompleted},
	}
	for _, step := range steps {
		inst = env.advance(t, inst, step.position, step.outcome)

		done := 0
		for _, sp := range inst.Stages {
			if sp.Status == model.StageStatusCompleted || sp.Status == model.StageStatusSkipped {
				done++
			}
		}
		want := float64(done) * 100 / float64(len(inst.Stages))
		if inst.ProgressPct != want {
			t.Errorf("after position %d: ProgressPct = %v, want %v", step.position, inst.ProgressPct, want)
		}
	}
	if inst.ProgressPct != 100 {
		t.Errorf("final ProgressPct = %v, want 100", inst.ProgressPct)
	}
}

func TestAdvanceStage_completesWhenNoMandatoryStageLeft(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "civ", "Cível",
		mandatory("A", 24), optional("B", 24), mandatory("C", 24), optional("D", 24))
	inst := env.start(t, "civ")

	inst = env.advance(t, inst, 1, model.OutcomeCompleted)
	inst = env.advance(t, inst, 2, model.OutcomeSkipped)
	if inst.Status != model.InstanceStatusActive {
		t.Fatalf("Status = %q before the last mandatory stage, want active", inst.Status)
	}

	inst = env.advance(t, inst, 3, model.OutcomeCompleted)
	if inst.Status != model.InstanceStatusCompleted {
		t.Fatalf("Status = %q, want completed", inst.Status)
	}
	if inst.CompletedAt == nil {
		t.Error("CompletedAt is nil")
	}
	if inst.NextAction != nil {
		t.Errorf("NextAction = %+v, want nil", inst.NextAction)
	}
	if sp := inst.StageAt(4); sp.Status != model.StageStatusPending {
		t.Errorf("trailing optional stage = %q, want pending", sp.Status)
	}
	if inst.ProgressPct != 75 {
		t.Errorf("ProgressPct = %v, want 75", inst.ProgressPct)
	}
	if env.observer.completed != 1 {
		t.Errorf("observer completed = %d, want 1", env.observer.completed)
	}

	names := eventNames(t, env.store, inst.ID)
	if names[len(names)-1] != model.EventInstanceCompleted {
		t.Errorf("last event = %q, want %q", names[len(names)-1], model.EventInstanceCompleted)
	}
}

func TestAdvanceStage_outOfOrderLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24), mandatory("C", 24))
	inst := env.start(t, "trab")
	ctx := context.Background()

	before, _ := env.store.GetInstance(ctx, inst.ID)
	eventsBefore := eventNames(t, env.store, inst.ID)

	for _, pos := range []int{2, 3} {
		_, err := env.engine.AdvanceStage(ctx, AdvanceInput{
			InstanceID:      inst.ID,
			StageProgressID: inst.StageAt(pos).ID,
			Outcome:         model.OutcomeCompleted,
		})
		expectConflict(t, err, model.ConflictStageOutOfOrder)
	}

	after, _ := env.store.GetInstance(ctx, inst.ID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("instance changed after rejected advance:\nbefore %+v\nafter  %+v", before, after)
	}
	if got := eventNames(t, env.store, inst.ID); !reflect.DeepEqual(got, eventsBefore) {
		t.Errorf("events changed: %v, want %v", got, eventsBefore)
	}
}

func TestAdvanceStage_mandatoryCannotBeSkipped(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	inst := env.start(t, "trab")

	_, err := env.engine.AdvanceStage(context.Background(), AdvanceInput{
		InstanceID:      inst.ID,
		StageProgressID: inst.StageAt(1).ID,
		Outcome:         model.OutcomeSkipped,
	})
	expectConflict(t, err, model.ConflictMandatoryStagePending)
}

func TestAdvanceStage_repeatedAdvanceIsAlreadyCompleted(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	inst := env.start(t, "trab")
	env.advance(t, inst, 1, model.OutcomeCompleted)

	_, err := env.engine.AdvanceStage(context.Background(), AdvanceInput{
		InstanceID:      inst.ID,
		StageProgressID: inst.StageAt(1).ID,
		Outcome:         model.OutcomeCompleted,
	})
	expectConflict(t, err, model.ConflictStageAlreadyCompleted)
}

func TestAdvanceStage_lastStageRetryIsAlreadyCompleted(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24))
	inst := env.start(t, "trab")
	env.advance(t, inst, 1, model.OutcomeCompleted)

	_, err := env.engine.AdvanceStage(context.Background(), AdvanceInput{
		InstanceID:      inst.ID,
		StageProgressID: inst.StageAt(1).ID,
		Outcome:         model.OutcomeCompleted,
	})
	expectConflict(t, err, model.ConflictStageAlreadyCompleted)
}

func TestAdvanceStage_invalidInput(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24))
	inst := env.start(t, "trab")
	ctx := context.Background()

	_, err := env.engine.AdvanceStage(ctx, AdvanceInput{InstanceID: inst.ID, StageProgressID: inst.StageAt(1).ID, Outcome: "done"})
	if model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("unknown outcome: error = %v, want VALIDATION_ERROR", err)
	}

	_, err = env.engine.AdvanceStage(ctx, AdvanceInput{InstanceID: inst.ID, StageProgressID: "nope", Outcome: model.OutcomeCompleted})
	if !model.IsNotFound(err) {
		t.Errorf("unknown stage: error = %v, want NOT_FOUND", err)
	}

	_, err = env.engine.AdvanceStage(ctx, AdvanceInput{InstanceID: "nope", StageProgressID: "nope", Outcome: model.OutcomeCompleted})
	if !model.IsNotFound(err) {
		t.Errorf("unknown instance: error = %v, want NOT_FOUND", err)
	}
}

// --- Billing coupling ---

func attachCreateInstallment(t *testing.T, env *testEnv, inst model.JourneyInstance, templateStageID string) model.PlanDetail {
	t.Helper()
	amount := model.Money(1500)
	detail, err := env.linker.AttachPaymentPlan(context.Background(), inst.ID, billing.PlanInput{
		AmountTotal:       9000,
		InstallmentsCount: 3,
		Links: []billing.LinkInput{
			{StageTemplateID: templateStageID, Rule: model.RuleCreateInstallment, InstallmentAmount: &amount},
		},
	})
	if err != nil {
		t.Fatalf("AttachPaymentPlan() error: %v", err)
	}
	return detail
}

func TestAdvanceStage_firesMilestoneBilling(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("Coleta", 24), mandatory("Petição Protocolada", 48), mandatory("Audiência", 12))
	inst := env.start(t, "trab")
	detail := attachCreateInstallment(t, env, inst, "trab-s2")

	inst = env.advance(t, inst, 1, model.OutcomeCompleted)
	inst = env.advance(t, inst, 2, model.OutcomeCompleted)

	installments, err := env.store.ListInstallments(context.Background(), detail.Plan.ID)
	if err != nil {
		t.Fatalf("ListInstallments() error: %v", err)
	}
	if len(installments) != 4 {
		t.Fatalf("installments = %d, want 4", len(installments))
	}
	added := installments[3]
	if added.SequenceNumber != 4 || added.Status != model.InstallmentPendente || added.Amount != 1500 {
		t.Errorf("added installment = %+v, want #4 pendente 1500", added)
	}
	if added.TriggeredByStageID != inst.StageAt(2).ID {
		t.Errorf("TriggeredByStageID = %q, want %q", added.TriggeredByStageID, inst.StageAt(2).ID)
	}
}

func TestAdvanceStage_concurrentAdvanceFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("Petição Protocolada", 24), mandatory("Audiência", 24))
	inst := env.start(t, "trab")
	detail := attachCreateInstallment(t, env, inst, "trab-s1")

	const callers = 2
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, errs[i] = env.engine.AdvanceStage(context.Background(), AdvanceInput{
				InstanceID:      inst.ID,
				StageProgressID: inst.StageAt(1).ID,
				Outcome:         model.OutcomeCompleted,
				Actor:           fmt.Sprintf("caller-%d", i),
			})
		}(i)
	}
	close(ready)
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case model.IsConflict(err, model.ConflictStageAlreadyCompleted):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("succeeded=%d conflicted=%d, want 1 and 1", succeeded, conflicted)
	}

	ctx := context.Background()
	installments, _ := env.store.ListInstallments(ctx, detail.Plan.ID)
	if len(installments) != 4 {
		t.Errorf("installments = %d, want 4", len(installments))
	}
	firings, _ := env.store.ListFirings(ctx, inst.ID)
	if len(firings) != 1 {
		t.Errorf("firings = %d, want 1", len(firings))
	}
	completedEvents := 0
	for _, name := range eventNames(t, env.store, inst.ID) {
		if name == model.EventStageCompleted {
			completedEvents++
		}
	}
	if completedEvents != 1 {
		t.Errorf("stage_completed events = %d, want 1", completedEvents)
	}
}

func TestAdvanceStage_malformedLinkDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	inst := env.start(t, "trab")
	detail := attachCreateInstallment(t, env, inst, "trab-s2")

	broken := model.StagePaymentLink{ID: "link-broken", PlanID: detail.Plan.ID, StageTemplateID: "trab-s1", Rule: model.RuleActivateInstallment}
	if err := env.store.CreateLink(context.Background(), broken); err != nil {
		t.Fatalf("CreateLink() error: %v", err)
	}

	inst = env.advance(t, inst, 1, model.OutcomeCompleted)
	if inst.StageAt(1).Status != model.StageStatusCompleted {
		t.Errorf("stage 1 = %q, want completed", inst.StageAt(1).Status)
	}

	found := false
	for _, name := range eventNames(t, env.store, inst.ID) {
		if name == model.EventBillingRuleFailed {
			found = true
		}
	}
	if !found {
		t.Error("no billing_rule_failed event recorded")
	}
}

// failingFirings fails every firing marker write.
type failingFirings struct {
	*store.MemoryStore
}

func (s failingFirings) Atomically(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	return s.MemoryStore.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		return fn(ctx, failingRepo{repo})
	})
}

type failingRepo struct {
	store.Repository
}

func (failingRepo) RecordFiring(context.Context, model.LinkFiring) (bool, error) {
	return false, errors.New("disk full")
}

// templateReads records how StartInstance reads its template.
type templateReads struct {
	*store.MemoryStore
	reads []string
}

func (s *templateReads) Atomically(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	return s.MemoryStore.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		return fn(ctx, templateReadRepo{repo, s})
	})
}

type templateReadRepo struct {
	store.Repository
	rec *templateReads
}

func (r templateReadRepo) GetTemplate(ctx context.Context, id string) (model.JourneyTemplate, error) {
	r.rec.reads = append(r.rec.reads, "GetTemplate")
	return r.Repository.GetTemplate(ctx, id)
}

func (r templateReadRepo) ShareTemplate(ctx context.Context, id string) (model.JourneyTemplate, error) {
	r.rec.reads = append(r.rec.reads, "ShareTemplate")
	return r.Repository.ShareTemplate(ctx, id)
}

func TestStartInstance_holdsTemplateShareLock(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24))
	rec := &templateReads{MemoryStore: env.store}
	env.engine = env.newEngine(rec)

	env.start(t, "trab")

	if !reflect.DeepEqual(rec.reads, []string{"ShareTemplate"}) {
		t.Errorf("template reads = %v, want [ShareTemplate]", rec.reads)
	}
}

func TestAdvanceStage_billingStorageFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	inst := env.start(t, "trab")
	attachCreateInstallment(t, env, inst, "trab-s1")
	eventsBefore := eventNames(t, env.store, inst.ID)

	engine := env.newEngine(failingFirings{env.store})
	_, err := engine.AdvanceStage(context.Background(), AdvanceInput{
		InstanceID:      inst.ID,
		StageProgressID: inst.StageAt(1).ID,
		Outcome:         model.OutcomeCompleted,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := env.store.GetInstance(context.Background(), inst.ID)
	if got.StageAt(1).Status != model.StageStatusInProgress {
		t.Errorf("stage 1 = %q after rollback, want in_progress", got.StageAt(1).Status)
	}
	if got.StageAt(2).Status != model.StageStatusPending {
		t.Errorf("stage 2 = %q after rollback, want pending", got.StageAt(2).Status)
	}
	if names := eventNames(t, env.store, inst.ID); !reflect.DeepEqual(names, eventsBefore) {
		t.Errorf("events = %v after rollback, want %v", names, eventsBefore)
	}
}

func TestAdvanceStage_dispatchesNotifications(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("Petição Protocolada", 24), mandatory("B", 24))
	inst := env.start(t, "trab")
	_, err := env.linker.AttachPaymentPlan(context.Background(), inst.ID, billing.PlanInput{
		Links: []billing.LinkInput{{StageTemplateID: "trab-s1", Rule: model.RuleSendNotification}},
	})
	if err != nil {
		t.Fatalf("AttachPaymentPlan() error: %v", err)
	}

	env.dispatcher.err = errors.New("queue unavailable")
	env.advance(t, inst, 1, model.OutcomeCompleted)

	want := []string{"cli-1: Etapa concluída: Petição Protocolada"}
	if !reflect.DeepEqual(env.dispatcher.sent, want) {
		t.Errorf("sent = %v, want %v", env.dispatcher.sent, want)
	}
}

// --- Blocking ---

func TestAdvanceStage_blockedParksStage(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	inst := env.start(t, "trab")
	detail := attachCreateInstallment(t, env, inst, "trab-s1")
	ctx := context.Background()

	inst = env.advance(t, inst, 1, model.OutcomeBlocked)
	if sp := inst.StageAt(1); sp.Status != model.StageStatusBlocked {
		t.Fatalf("stage 1 = %q, want blocked", sp.Status)
	}
	if sp := inst.StageAt(2); sp.Status != model.StageStatusPending {
		t.Errorf("stage 2 = %q, want pending", sp.Status)
	}
	if inst.NextAction == nil || inst.NextAction.CTA != "Desbloquear etapa" {
		t.Errorf("NextAction = %+v, want unblock call to action", inst.NextAction)
	}
	if firings, _ := env.store.ListFirings(ctx, inst.ID); len(firings) != 0 {
		t.Errorf("firings = %d after block, want 0", len(firings))
	}

	// A blocked stage cannot be completed until unblocked.
	_, err := env.engine.AdvanceStage(ctx, AdvanceInput{InstanceID: inst.ID, StageProgressID: inst.StageAt(1).ID, Outcome: model.OutcomeCompleted})
	expectConflict(t, err, model.ConflictStageAlreadyCompleted)

	env.clock.Advance(10 * time.Hour)
	inst, err = env.engine.UnblockStage(ctx, inst.ID, inst.StageAt(1).ID)
	if err != nil {
		t.Fatalf("UnblockStage() error: %v", err)
	}
	sp := inst.StageAt(1)
	if sp.Status != model.StageStatusInProgress {
		t.Fatalf("stage 1 = %q after unblock, want in_progress", sp.Status)
	}
	if want := t0.Add(34 * time.Hour); !sp.SLADueAt.Equal(want) {
		t.Errorf("SLADueAt = %v after unblock, want %v", sp.SLADueAt, want)
	}

	env.advance(t, inst, 1, model.OutcomeCompleted)
	installments, _ := env.store.ListInstallments(ctx, detail.Plan.ID)
	if len(installments) != 4 {
		t.Errorf("installments = %d, want 4", len(installments))
	}
}

func TestUnblockStage_requiresBlocked(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24))
	inst := env.start(t, "trab")

	_, err := env.engine.UnblockStage(context.Background(), inst.ID, inst.StageAt(1).ID)
	expectConflict(t, err, model.ConflictInvalidTransition)
}

// --- Instance lifecycle ---

func TestInstanceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	inst := env.start(t, "trab")
	ctx := context.Background()
	stage1 := inst.StageAt(1).ID

	paused, err := env.engine.PauseInstance(ctx, inst.ID)
	if err != nil || paused.Status != model.InstanceStatusPaused {
		t.Fatalf("PauseInstance() = %q, %v; want paused", paused.Status, err)
	}

	_, err = env.engine.AdvanceStage(ctx, AdvanceInput{InstanceID: inst.ID, StageProgressID: stage1, Outcome: model.OutcomeCompleted})
	expectConflict(t, err, model.ConflictInstanceNotActive)

	_, err = env.engine.PauseInstance(ctx, inst.ID)
	expectConflict(t, err, model.ConflictInstanceNotActive)

	resumed, err := env.engine.ResumeInstance(ctx, inst.ID)
	if err != nil || resumed.Status != model.InstanceStatusActive {
		t.Fatalf("ResumeInstance() = %q, %v; want active", resumed.Status, err)
	}

	_, err = env.engine.ResumeInstance(ctx, inst.ID)
	expectConflict(t, err, model.ConflictInvalidTransition)

	cancelled, err := env.engine.CancelInstance(ctx, inst.ID)
	if err != nil || cancelled.Status != model.InstanceStatusCancelled {
		t.Fatalf("CancelInstance() = %q, %v; want cancelled", cancelled.Status, err)
	}
	if cancelled.NextAction != nil {
		t.Errorf("NextAction after cancel = %+v, want nil", cancelled.NextAction)
	}

	// A cancelled journey no longer runs an SLA clock.
	env.clock.Advance(48 * time.Hour)
	got, err := env.engine.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error: %v", err)
	}
	if b := got.StageAt(1).SLABucket; b != model.SLAOnTrack {
		t.Errorf("stage 1 bucket after cancel = %q, want on_track", b)
	}
	if got.NextAction != nil {
		t.Errorf("stored NextAction after cancel = %+v, want nil", got.NextAction)
	}
	listed, err := env.engine.ListInstances(ctx, model.InstanceFilters{Status: model.InstanceStatusCancelled})
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListInstances(cancelled) = %d, %v; want 1", len(listed), err)
	}
	if b := listed[0].StageAt(1).SLABucket; b != model.SLAOnTrack {
		t.Errorf("listed stage 1 bucket = %q, want on_track", b)
	}

	_, err = env.engine.ResumeInstance(ctx, inst.ID)
	expectConflict(t, err, model.ConflictInvalidTransition)
	_, err = env.engine.CancelInstance(ctx, inst.ID)
	expectConflict(t, err, model.ConflictInstanceNotActive)

	want := []string{
		model.EventInstanceStarted,
		model.EventStageStarted,
		model.EventInstancePaused,
		model.EventInstanceResumed,
		model.EventInstanceCancelled,
	}
	history, err := env.engine.History(ctx, inst.ID)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	gotEvents := make([]string, len(history))
	for i, e := range history {
		gotEvents[i] = e.Event
	}
	if !reflect.DeepEqual(gotEvents, want) {
		t.Errorf("history = %v, want %v", gotEvents, want)
	}
}

func TestHistory_unknownInstance(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.History(context.Background(), "missing"); !model.IsNotFound(err) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestActorAttribution(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 24), mandatory("B", 24))
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{ActorID: "sync-gateway"})

	inst, err := env.engine.StartInstance(ctx, StartInput{TemplateID: "trab", ClientID: "cli-1", Owner: "adv-ana"})
	if err != nil {
		t.Fatalf("StartInstance() error: %v", err)
	}
	if _, err := env.engine.AdvanceStage(ctx, AdvanceInput{InstanceID: inst.ID, StageProgressID: inst.StageAt(1).ID, Outcome: model.OutcomeCompleted}); err != nil {
		t.Fatalf("AdvanceStage() error: %v", err)
	}

	events, _ := env.store.ListEvents(context.Background(), inst.ID)
	for _, e := range events {
		if e.ActorID != "sync-gateway" {
			t.Errorf("event %s actor = %q, want sync-gateway", e.Event, e.ActorID)
		}
	}
}

// --- Reads ---

func TestListInstances_annotatesBuckets(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 10))
	env.start(t, "trab")
	env.clock.Advance(11 * time.Hour)

	list, err := env.engine.ListInstances(context.Background(), model.InstanceFilters{ClientID: "cli-1"})
	if err != nil {
		t.Fatalf("ListInstances() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if b := list[0].StageAt(1).SLABucket; b != model.SLAOverdue {
		t.Errorf("bucket = %q, want overdue", b)
	}
}

func TestSLAReport(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env.store, "trab", "Trabalhista", mandatory("A", 12), mandatory("B", 200))
	seedTemplate(t, env.store, "prev", "Previdenciário", mandatory("X", 48))
	ctx := context.Background()

	// Stage A due at t0+12h.
	late := env.start(t, "trab")
	env.clock.Advance(time.Hour)

	// Moves on to B, due at t0+201h.
	onTime := env.start(t, "trab")
	env.advance(t, onTime, 1, model.OutcomeCompleted)

	// Stage X due at t0+49h.
	env.start(t, "prev")
	env.clock.Advance(12 * time.Hour)

	report, err := env.engine.SLAReport(ctx, SLAReportFilters{})
	if err != nil {
		t.Fatalf("SLAReport() error: %v", err)
	}
	if report.Instances != 3 {
		t.Errorf("Instances = %d, want 3", report.Instances)
	}
	want := map[model.SLABucket]int{
		model.SLAOverdue:    1,
		model.SLADueLt24h:   0,
		model.SLADue24To72h: 1,
		model.SLADueGt72h:   1,
		model.SLAOnTrack:    0,
	}
	if !reflect.DeepEqual(report.Buckets, want) {
		t.Errorf("Buckets = %v, want %v", report.Buckets, want)
	}
	if len(report.OverdueStages) != 1 || report.OverdueStages[0].InstanceID != late.ID {
		t.Errorf("OverdueStages = %+v, want only %s", report.OverdueStages, late.ID)
	}

	niche, err := env.engine.SLAReport(ctx, SLAReportFilters{Niche: "Previdenciário"})
	if err != nil {
		t.Fatalf("SLAReport(niche) error: %v", err)
	}
	if niche.Instances != 1 || niche.Buckets[model.SLADue24To72h] != 1 {
		t.Errorf("niche report = %+v, want one instance due in 24-72h", niche)
	}

	from := t0.Add(30 * time.Minute)
	ranged, err := env.engine.SLAReport(ctx, SLAReportFilters{From: &from})
	if err != nil {
		t.Fatalf("SLAReport(from) error: %v", err)
	}
	if ranged.Instances != 2 {
		t.Errorf("ranged Instances = %d, want 2", ranged.Instances)
	}

	none, err := env.engine.SLAReport(ctx, SLAReportFilters{Niche: "Tributário"})
	if err != nil {
		t.Fatalf("SLAReport(unknown niche) error: %v", err)
	}
	if none.Instances != 0 {
		t.Errorf("unknown niche Instances = %d, want 0", none.Instances)
	}
}
