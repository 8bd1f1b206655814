// Package journey runs journey instances: it snapshots templates into live
// instances, advances their stages and couples stage completion to billing.
package journey

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/internal/notify"
	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/internal/sla"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

// Observer receives instance lifecycle telemetry. *observability.Metrics
// satisfies it.
type Observer interface {
	RecordInstanceStarted()
	RecordStageAdvance(outcome model.StageOutcome)
	RecordInstanceCompleted()
}

type nopObserver struct{}

func (nopObserver) RecordInstanceStarted()                {}
func (nopObserver) RecordStageAdvance(model.StageOutcome) {}
func (nopObserver) RecordInstanceCompleted()              {}

// Engine manages the lifecycle of journey instances.
type Engine struct {
	store      store.Store
	linker     *billing.Linker
	dispatcher notify.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	observer   Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver sets the telemetry observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithDispatcher sets where send_notification messages go. The default logs
// them.
func WithDispatcher(d notify.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// NewEngine creates an engine. linker evaluates payment links inside every
// stage completion.
func NewEngine(s store.Store, linker *billing.Linker, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		linker:   linker,
		clock:    clock.System{},
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = notify.NewLogDispatcher(e.logger)
	}
	return e
}

// StartInput identifies the template and the parties of a new instance.
type StartInput struct {
	TemplateID string `json:"template_id"`
	ClientID   string `json:"client_id"`
	MatterID   string `json:"matter_id,omitempty"`
	Owner      string `json:"owner"`
}

// AdvanceInput reports the outcome of the instance's active stage. Actor
// defaults to the actor carried by the context.
type AdvanceInput struct {
	InstanceID      string             `json:"instance_id"`
	StageProgressID string             `json:"stage_progress_id"`
	Outcome         model.StageOutcome `json:"outcome"`
	Actor           string             `json:"actor,omitempty"`
}

// StartInstance snapshots a template into a new active instance and activates
// its first stage.
func (e *Engine) StartInstance(ctx context.Context, in StartInput) (inst model.JourneyInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "journey.StartInstance",
		observability.AttrTemplateID.String(in.TemplateID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	if errs := validateStart(in); len(errs) > 0 {
		return model.JourneyInstance{}, model.NewValidationError(errs)
	}

	now := e.clock.Now()
	actor := model.ActorFrom(ctx)

	err = e.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		// 2. Load the template, holding off edits until the instance exists.
		tpl, err := repo.ShareTemplate(ctx, in.TemplateID)
		if err != nil {
			return err
		}
		if len(tpl.Stages) == 0 {
			return model.NewValidationError([]model.FieldError{{
				Field: "template_id", Code: "INVALID_VALUE", Message: fmt.Sprintf("template %q has no stages", tpl.ID),
			}})
		}

		// 3. Snapshot every stage as pending.
		inst = model.JourneyInstance{
			ID:                   uuid.NewString(),
			TemplateID:           tpl.ID,
			ClientID:             in.ClientID,
			MatterID:             in.MatterID,
			Owner:                in.Owner,
			Status:               model.InstanceStatusActive,
			StartedAt:            now,
			UpdatedAt:            now,
			CurrentStagePosition: 1,
			Version:              1,
			Stages:               snapshotStages(tpl.Stages),
		}
		for i := range inst.Stages {
			inst.Stages[i].InstanceID = inst.ID
		}

		// 4. Activate position 1.
		first := inst.StageAt(1)
		activate(first, now)
		inst.NextAction = ComputeNextAction(inst)

		// 5. Persist instance and audit trail.
		if err := repo.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := appendEvent(ctx, repo, inst.ID, "", model.EventInstanceStarted, actor, now, map[string]any{
			"template_id": tpl.ID,
			"client_id":   in.ClientID,
		}); err != nil {
			return err
		}
		return appendEvent(ctx, repo, inst.ID, first.ID, model.EventStageStarted, actor, now, map[string]any{
			"position":   first.Position,
			"sla_due_at": first.SLADueAt,
		})
	})
	if err != nil {
		return model.JourneyInstance{}, err
	}

	e.observer.RecordInstanceStarted()
	e.logger.Info("journey instance started",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", inst.TemplateID),
		zap.String("client_id", inst.ClientID),
		zap.String("owner", inst.Owner),
	)
	return sla.Annotate(inst, now), nil
}

// AdvanceStage applies an outcome to the instance's active stage.
//
// Completing or skipping a stage, evaluating the payment links bound to it and
// activating the next stage commit as one unit. Of two concurrent callers
// advancing the same stage, exactly one wins; the other gets
// CONFLICT(StageAlreadyCompleted). Notifications produced by billing rules
// are dispatched after the unit commits and never fail the advance.
func (e *Engine) AdvanceStage(ctx context.Context, in AdvanceInput) (inst model.JourneyInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "journey.AdvanceStage",
		observability.AttrInstanceID.String(in.InstanceID),
		observability.AttrStageID.String(in.StageProgressID),
		observability.AttrOutcome.String(string(in.Outcome)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if errs := validateAdvance(in); len(errs) > 0 {
		return model.JourneyInstance{}, model.NewValidationError(errs)
	}
	if in.Actor != "" {
		ctx = withActor(ctx, in.Actor)
	}
	span.SetAttributes(observability.AttrActorID.String(model.ActorFrom(ctx)))
	actor := model.ActorFrom(ctx)

	now := e.clock.Now()
	var (
		eval      billing.Evaluation
		completed bool
	)

	err = e.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		eval, completed = billing.Evaluation{}, false

		// 1. Lock the instance.
		current, err := repo.LockInstance(ctx, in.InstanceID)
		if err != nil {
			return err
		}

		// 2. Check the stage may take this outcome.
		sp, err := checkAdvance(current, in)
		if err != nil {
			return err
		}

		// 3. Blocking parks the stage; nothing else moves.
		if in.Outcome == model.OutcomeBlocked {
			sp.Status = model.StageStatusBlocked
			if err := repo.UpdateStage(ctx, sp); err != nil {
				return err
			}
			if err := appendEvent(ctx, repo, current.ID, sp.ID, model.EventStageBlocked, actor, now, nil); err != nil {
				return err
			}
			*current.Stage(sp.ID) = sp
			return e.saveInstance(ctx, repo, &current, now)
		}

		// 4. Close the stage. The version check on the stage row is what makes
		// the losing concurrent writer fail.
		sp.CompletedAt = &now
		sp.CompletedBy = actor
		event := model.EventStageCompleted
		sp.Status = model.StageStatusCompleted
		if in.Outcome == model.OutcomeSkipped {
			sp.Status = model.StageStatusSkipped
			event = model.EventStageSkipped
		}
		if err := repo.UpdateStage(ctx, sp); err != nil {
			return err
		}
		sp.Version++
		*current.Stage(sp.ID) = sp
		if err := appendEvent(ctx, repo, current.ID, sp.ID, event, actor, now, nil); err != nil {
			return err
		}

		// 5. Fire the payment links bound to this template stage.
		eval, err = e.linker.EvaluateStageCompletion(ctx, repo, current, sp)
		if err != nil {
			return fmt.Errorf("evaluate billing for stage %q: %w", sp.ID, err)
		}

		// 6. Activate the next stage, or complete the instance once no
		// mandatory stage is left.
		if mandatoryPending(current) {
			next := current.StageAt(sp.Position + 1)
			if next == nil {
				return fmt.Errorf("instance %q: no stage after position %d", current.ID, sp.Position)
			}
			activate(next, now)
			if err := repo.UpdateStage(ctx, *next); err != nil {
				return err
			}
			next.Version++
			current.CurrentStagePosition = next.Position
			if err := appendEvent(ctx, repo, current.ID, next.ID, model.EventStageStarted, actor, now, map[string]any{
				"position":   next.Position,
				"sla_due_at": next.SLADueAt,
			}); err != nil {
				return err
			}
		} else {
			current.Status = model.InstanceStatusCompleted
			current.CompletedAt = &now
			completed = true
			if err := appendEvent(ctx, repo, current.ID, "", model.EventInstanceCompleted, actor, now, nil); err != nil {
				return err
			}
		}

		// 7. Persist the derived instance fields.
		return e.saveInstance(ctx, repo, &current, now)
	})
	if err != nil {
		return model.JourneyInstance{}, err
	}

	e.observer.RecordStageAdvance(in.Outcome)
	if completed {
		e.observer.RecordInstanceCompleted()
		e.logger.Info("journey instance completed", zap.String("instance_id", in.InstanceID))
	}
	e.dispatch(ctx, eval.Notifications)

	inst, err = e.store.GetInstance(ctx, in.InstanceID)
	if err != nil {
		return model.JourneyInstance{}, err
	}
	return sla.Annotate(inst, now), nil
}

// checkAdvance returns a copy of the targeted stage if the outcome may be
// applied to it. A stage that is already closed reports StageAlreadyCompleted
// before any other check so a retried or raced advance is recognizable even
// after the instance moved on.
func checkAdvance(inst model.JourneyInstance, in AdvanceInput) (model.StageProgress, error) {
	target := inst.Stage(in.StageProgressID)
	if target == nil {
		return model.StageProgress{}, model.NewNotFoundError(
			fmt.Sprintf("stage %q not found in journey instance %q", in.StageProgressID, inst.ID),
		)
	}
	sp := *target

	if sp.Status.Done() {
		return sp, model.NewStateConflictError(model.ConflictStageAlreadyCompleted,
			fmt.Sprintf("stage %q is already %s", sp.ID, sp.Status))
	}
	if inst.Status != model.InstanceStatusActive {
		return sp, model.NewStateConflictError(model.ConflictInstanceNotActive,
			fmt.Sprintf("journey instance %q is %s", inst.ID, inst.Status))
	}
	if sp.Position != inst.CurrentStagePosition {
		return sp, model.NewStateConflictError(model.ConflictStageOutOfOrder,
			fmt.Sprintf("stage %q is at position %d but the active position is %d", sp.ID, sp.Position, inst.CurrentStagePosition))
	}
	if sp.Status != model.StageStatusInProgress {
		return sp, model.NewStateConflictError(model.ConflictStageAlreadyCompleted,
			fmt.Sprintf("stage %q is %s, not in_progress", sp.ID, sp.Status))
	}
	if in.Outcome == model.OutcomeSkipped && sp.Mandatory {
		return sp, model.NewStateConflictError(model.ConflictMandatoryStagePending,
			fmt.Sprintf("stage %q is mandatory and cannot be skipped", sp.ID))
	}
	return sp, nil
}

// UnblockStage returns a blocked stage to in_progress. Its SLA clock restarts
// from now.
func (e *Engine) UnblockStage(ctx context.Context, instanceID, stageProgressID string) (model.JourneyInstance, error) {
	now := e.clock.Now()
	actor := model.ActorFrom(ctx)

	err := e.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		inst, err := repo.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != model.InstanceStatusActive {
			return model.NewStateConflictError(model.ConflictInstanceNotActive,
				fmt.Sprintf("journey instance %q is %s", inst.ID, inst.Status))
		}
		target := inst.Stage(stageProgressID)
		if target == nil {
			return model.NewNotFoundError(
				fmt.Sprintf("stage %q not found in journey instance %q", stageProgressID, instanceID),
			)
		}
		if target.Status != model.StageStatusBlocked {
			return model.NewStateConflictError(model.ConflictInvalidTransition,
				fmt.Sprintf("stage %q is %s, not blocked", target.ID, target.Status))
		}

		sp := *target
		sp.Status = model.StageStatusInProgress
		due := sla.DueAt(now, sp.SLAHours)
		sp.SLADueAt = &due
		if err := repo.UpdateStage(ctx, sp); err != nil {
			return err
		}
		sp.Version++
		*target = sp
		if err := appendEvent(ctx, repo, inst.ID, sp.ID, model.EventStageUnblocked, actor, now, map[string]any{
			"sla_due_at": sp.SLADueAt,
		}); err != nil {
			return err
		}
		return e.saveInstance(ctx, repo, &inst, now)
	})
	if err != nil {
		return model.JourneyInstance{}, err
	}
	return e.GetInstance(ctx, instanceID)
}

// PauseInstance moves an active instance to paused.
func (e *Engine) PauseInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return e.transition(ctx, instanceID, model.InstanceStatusActive, model.InstanceStatusPaused, model.EventInstancePaused)
}

// ResumeInstance moves a paused instance back to active.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return e.transition(ctx, instanceID, model.InstanceStatusPaused, model.InstanceStatusActive, model.EventInstanceResumed)
}

// CancelInstance moves an active instance to cancelled. Cancelled is terminal.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return e.transition(ctx, instanceID, model.InstanceStatusActive, model.InstanceStatusCancelled, model.EventInstanceCancelled)
}

func (e *Engine) transition(ctx context.Context, instanceID string, from, to model.InstanceStatus, event string) (model.JourneyInstance, error) {
	now := e.clock.Now()
	actor := model.ActorFrom(ctx)

	err := e.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		inst, err := repo.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != from {
			reason := model.ConflictInvalidTransition
			if from == model.InstanceStatusActive {
				reason = model.ConflictInstanceNotActive
			}
			return model.NewStateConflictError(reason,
				fmt.Sprintf("journey instance %q is %s, cannot move to %s", inst.ID, inst.Status, to))
		}
		inst.Status = to
		if err := appendEvent(ctx, repo, inst.ID, "", event, actor, now, map[string]any{
			"from": string(from),
			"to":   string(to),
		}); err != nil {
			return err
		}
		return e.saveInstance(ctx, repo, &inst, now)
	})
	if err != nil {
		return model.JourneyInstance{}, err
	}

	e.logger.Info("journey instance status changed",
		zap.String("instance_id", instanceID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return e.GetInstance(ctx, instanceID)
}

// GetInstance returns an instance with SLA buckets computed for now.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.JourneyInstance{}, err
	}
	return sla.Annotate(inst, e.clock.Now()), nil
}

// ListInstances returns the instances matching filters with SLA buckets
// computed for now.
func (e *Engine) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.JourneyInstance, error) {
	list, err := e.store.ListInstances(ctx, filters)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	for i := range list {
		list[i] = sla.Annotate(list[i], now)
	}
	return list, nil
}

// History returns an instance's audit trail, oldest first.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.JourneyEvent, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, instanceID)
}

// SLAReportFilters narrows an SLA report.
type SLAReportFilters struct {
	Niche string
	From  *time.Time
	To    *time.Time
}

// SLAReport counts the active stage of every active instance per SLA bucket
// and lists the overdue ones, most overdue first. Niche matches the
// instance's template; From and To bound the instance start time.
func (e *Engine) SLAReport(ctx context.Context, f SLAReportFilters) (model.SLAReport, error) {
	now := e.clock.Now()
	filters := model.InstanceFilters{
		Status:      model.InstanceStatusActive,
		StartedFrom: f.From,
		StartedTo:   f.To,
	}
	if f.Niche != "" {
		templates, err := e.store.ListTemplates(ctx, f.Niche)
		if err != nil {
			return model.SLAReport{}, err
		}
		filters.TemplateIDs = make([]string, 0, len(templates))
		for _, tpl := range templates {
			filters.TemplateIDs = append(filters.TemplateIDs, tpl.ID)
		}
	}

	instances, err := e.store.ListInstances(ctx, filters)
	if err != nil {
		return model.SLAReport{}, err
	}

	report := model.SLAReport{
		Niche:         f.Niche,
		From:          f.From,
		To:            f.To,
		GeneratedAt:   now,
		Instances:     len(instances),
		Buckets:       make(map[model.SLABucket]int, len(model.SLABuckets)),
		OverdueStages: []model.OverdueStage{},
	}
	for _, b := range model.SLABuckets {
		report.Buckets[b] = 0
	}

	for _, inst := range instances {
		sp := inst.ActiveStage()
		if sp == nil {
			continue
		}
		bucket := sla.ClassifyStage(*sp, now)
		report.Buckets[bucket]++
		if bucket == model.SLAOverdue {
			report.OverdueStages = append(report.OverdueStages, model.OverdueStage{
				InstanceID:      inst.ID,
				StageProgressID: sp.ID,
				ClientID:        inst.ClientID,
				Owner:           inst.Owner,
				Title:           sp.Title,
				SLADueAt:        *sp.SLADueAt,
			})
		}
	}
	slices.SortFunc(report.OverdueStages, func(a, b model.OverdueStage) int {
		return a.SLADueAt.Compare(b.SLADueAt)
	})
	return report, nil
}

// saveInstance recomputes the derived fields and writes the instance row.
func (e *Engine) saveInstance(ctx context.Context, repo store.Repository, inst *model.JourneyInstance, now time.Time) error {
	inst.ProgressPct = Progress(*inst)
	inst.NextAction = ComputeNextAction(*inst)
	inst.UpdatedAt = now
	return repo.UpdateInstance(ctx, *inst)
}

// dispatch hands notifications to the dispatcher. Failures are logged only;
// delivery retries belong to the channel.
func (e *Engine) dispatch(ctx context.Context, notifications []billing.Notification) {
	for _, n := range notifications {
		if err := e.dispatcher.Send(ctx, n.Recipient, n.Title, n.Message); err != nil {
			e.logger.Warn("notification not dispatched",
				zap.String("instance_id", n.InstanceID),
				zap.String("link_id", n.LinkID),
				zap.String("recipient", n.Recipient),
				zap.Error(err),
			)
		}
	}
}

// Progress is the share of completed or skipped stages, in percent.
func Progress(inst model.JourneyInstance) float64 {
	if len(inst.Stages) == 0 {
		return 0
	}
	done := 0
	for _, sp := range inst.Stages {
		if sp.Status.Done() {
			done++
		}
	}
	return float64(done) * 100 / float64(len(inst.Stages))
}

// mandatoryPending reports whether any mandatory stage is not completed yet.
func mandatoryPending(inst model.JourneyInstance) bool {
	for _, sp := range inst.Stages {
		if sp.Mandatory && sp.Status != model.StageStatusCompleted {
			return true
		}
	}
	return false
}

func activate(sp *model.StageProgress, now time.Time) {
	started := now
	due := sla.DueAt(now, sp.SLAHours)
	sp.Status = model.StageStatusInProgress
	sp.StartedAt = &started
	sp.SLADueAt = &due
}

func snapshotStages(stages []model.TemplateStage) []model.StageProgress {
	out := make([]model.StageProgress, len(stages))
	for i, ts := range stages {
		cfg := ts.Config
		cfg.Documents = slices.Clone(cfg.Documents)
		cfg.Checklist = slices.Clone(cfg.Checklist)
		out[i] = model.StageProgress{
			ID:              uuid.NewString(),
			TemplateStageID: ts.ID,
			Position:        ts.Position,
			Title:           ts.Title,
			Description:     ts.Description,
			Type:            ts.Type,
			Mandatory:       ts.Mandatory,
			SLAHours:        ts.SLAHours,
			Config:          cfg,
			Status:          model.StageStatusPending,
			Version:         1,
		}
	}
	return out
}

func validateStart(in StartInput) []model.FieldError {
	var errs []model.FieldError
	if in.TemplateID == "" {
		errs = append(errs, model.FieldError{Field: "template_id", Code: "REQUIRED", Message: "template_id is required"})
	}
	if in.ClientID == "" {
		errs = append(errs, model.FieldError{Field: "client_id", Code: "REQUIRED", Message: "client_id is required"})
	}
	if in.Owner == "" {
		errs = append(errs, model.FieldError{Field: "owner", Code: "REQUIRED", Message: "owner is required"})
	}
	return errs
}

func validateAdvance(in AdvanceInput) []model.FieldError {
	var errs []model.FieldError
	if in.InstanceID == "" {
		errs = append(errs, model.FieldError{Field: "instance_id", Code: "REQUIRED", Message: "instance_id is required"})
	}
	if in.StageProgressID == "" {
		errs = append(errs, model.FieldError{Field: "stage_progress_id", Code: "REQUIRED", Message: "stage_progress_id is required"})
	}
	if !in.Outcome.Valid() {
		errs = append(errs, model.FieldError{
			Field: "outcome", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("outcome must be completed, skipped or blocked, got %q", in.Outcome),
		})
	}
	return errs
}

// withActor attributes the rest of the call, including billing audit events,
// to actor.
func withActor(ctx context.Context, actor string) context.Context {
	rctx := model.RequestContext{}
	if existing := model.RequestContextFrom(ctx); existing != nil {
		rctx = *existing
	}
	rctx.ActorID = actor
	return model.WithRequestContext(ctx, &rctx)
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
