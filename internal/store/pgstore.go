package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/jornada/model"
)

//go:embed schema.sql
var schemaSQL string

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	*pgRepo
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pgRepo: &pgRepo{q: pool}, pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomically runs fn inside a read-committed transaction. Row locks taken via
// LockInstance and LockPlan are held until fn returns.
func (s *PgStore) Atomically(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgRepo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// pgRepo implements Repository over a pool or a transaction.
type pgRepo struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- Templates ---

func (r *pgRepo) CreateTemplate(ctx context.Context, tpl model.JourneyTemplate) error {
	tagsJSON, err := json.Marshal(nonNil(tpl.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO journey_templates (
			id, name, niche, tags, steps_count, eta_days, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tpl.ID, tpl.Name, tpl.Niche, tagsJSON, tpl.StepsCount, tpl.ETADays,
		tpl.CreatedAt, tpl.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("template %q already exists", tpl.ID))
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return r.insertTemplateStages(ctx, tpl)
}

func (r *pgRepo) insertTemplateStages(ctx context.Context, tpl model.JourneyTemplate) error {
	for _, st := range tpl.Stages {
		cfgJSON, err := json.Marshal(st.Config)
		if err != nil {
			return fmt.Errorf("marshal stage config: %w", err)
		}
		_, err = r.q.Exec(ctx, `
			INSERT INTO template_stages (
				id, template_id, position, title, description, type,
				mandatory, sla_hours, config
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			st.ID, tpl.ID, st.Position, st.Title, st.Description, st.Type,
			st.Mandatory, st.SLAHours, cfgJSON,
		)
		if err != nil {
			return fmt.Errorf("insert template stage: %w", err)
		}
	}
	return nil
}

func (r *pgRepo) GetTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return r.loadTemplate(ctx, templateID, "")
}

// LockTemplate takes the template row FOR UPDATE. An edit holding it waits
// for in-flight starts, which hold it FOR SHARE, so its instance count is
// final.
func (r *pgRepo) LockTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return r.loadTemplate(ctx, templateID, " FOR UPDATE")
}

func (r *pgRepo) ShareTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return r.loadTemplate(ctx, templateID, " FOR SHARE")
}

func (r *pgRepo) loadTemplate(ctx context.Context, templateID, lock string) (model.JourneyTemplate, error) {
	tpl, err := scanTemplate(r.q.QueryRow(ctx, `
		SELECT id, name, niche, tags, steps_count, eta_days, created_at, updated_at
		FROM journey_templates
		WHERE id = $1`+lock,
		templateID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JourneyTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	if err != nil {
		return model.JourneyTemplate{}, fmt.Errorf("query template: %w", err)
	}

	tpl.Stages, err = r.templateStages(ctx, templateID)
	if err != nil {
		return model.JourneyTemplate{}, err
	}
	return tpl, nil
}

func (r *pgRepo) templateStages(ctx context.Context, templateID string) ([]model.TemplateStage, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, template_id, position, title, description, type,
		       mandatory, sla_hours, config
		FROM template_stages
		WHERE template_id = $1
		ORDER BY position ASC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query template stages: %w", err)
	}
	defer rows.Close()

	stages := []model.TemplateStage{}
	for rows.Next() {
		var st model.TemplateStage
		var cfgJSON []byte
		if err := rows.Scan(
			&st.ID, &st.TemplateID, &st.Position, &st.Title, &st.Description, &st.Type,
			&st.Mandatory, &st.SLAHours, &cfgJSON,
		); err != nil {
			return nil, fmt.Errorf("scan template stage: %w", err)
		}
		if err := json.Unmarshal(cfgJSON, &st.Config); err != nil {
			return nil, fmt.Errorf("unmarshal stage config: %w", err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func (r *pgRepo) UpdateTemplate(ctx context.Context, tpl model.JourneyTemplate) error {
	tagsJSON, err := json.Marshal(nonNil(tpl.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE journey_templates SET
			name = $1, niche = $2, tags = $3, steps_count = $4,
			eta_days = $5, updated_at = $6
		WHERE id = $7`,
		tpl.Name, tpl.Niche, tagsJSON, tpl.StepsCount, tpl.ETADays, tpl.UpdatedAt, tpl.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", tpl.ID))
	}

	if _, err := r.q.Exec(ctx, `DELETE FROM template_stages WHERE template_id = $1`, tpl.ID); err != nil {
		return fmt.Errorf("delete template stages: %w", err)
	}
	return r.insertTemplateStages(ctx, tpl)
}

func (r *pgRepo) ListTemplates(ctx context.Context, niche string) ([]model.JourneyTemplate, error) {
	query := `SELECT id, name, niche, tags, steps_count, eta_days, created_at, updated_at
	          FROM journey_templates`
	var args []any
	if niche != "" {
		query += ` WHERE niche = $1`
		args = append(args, niche)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	templates := []model.JourneyTemplate{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stages load after the cursor is closed; a transaction runs one query at a time.
	for i := range templates {
		templates[i].Stages, err = r.templateStages(ctx, templates[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return templates, nil
}

func scanTemplate(row pgx.Row) (model.JourneyTemplate, error) {
	var tpl model.JourneyTemplate
	var tagsJSON []byte
	if err := row.Scan(
		&tpl.ID, &tpl.Name, &tpl.Niche, &tagsJSON, &tpl.StepsCount, &tpl.ETADays,
		&tpl.CreatedAt, &tpl.UpdatedAt,
	); err != nil {
		return model.JourneyTemplate{}, err
	}
	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &tpl.Tags); err != nil {
			return model.JourneyTemplate{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return tpl, nil
}

func (r *pgRepo) CountInstances(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT count(*) FROM journey_instances WHERE template_id = $1`, templateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// --- Instances ---

const instanceColumns = `id, template_id, client_id, matter_id, owner, status,
	started_at, completed_at, updated_at, current_stage_position, progress_pct,
	next_action, version`

func (r *pgRepo) CreateInstance(ctx context.Context, inst model.JourneyInstance) error {
	naJSON, err := marshalNextAction(inst.NextAction)
	if err != nil {
		return err
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO journey_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inst.ID, inst.TemplateID, inst.ClientID, inst.MatterID, inst.Owner, inst.Status,
		inst.StartedAt, inst.CompletedAt, inst.UpdatedAt, inst.CurrentStagePosition,
		inst.ProgressPct, naJSON, inst.Version,
	)
	if isUniqueViolation(err) {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("journey instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert journey instance: %w", err)
	}

	for _, sp := range inst.Stages {
		cfgJSON, err := json.Marshal(sp.Config)
		if err != nil {
			return fmt.Errorf("marshal stage config: %w", err)
		}
		_, err = r.q.Exec(ctx, `
			INSERT INTO stage_progress (
				id, instance_id, template_stage_id, position, title, description,
				type, mandatory, sla_hours, config, status,
				started_at, completed_at, sla_due_at, completed_by, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			sp.ID, inst.ID, sp.TemplateStageID, sp.Position, sp.Title, sp.Description,
			sp.Type, sp.Mandatory, sp.SLAHours, cfgJSON, sp.Status,
			sp.StartedAt, sp.CompletedAt, sp.SLADueAt, sp.CompletedBy, sp.Version,
		)
		if err != nil {
			return fmt.Errorf("insert stage progress: %w", err)
		}
	}
	return nil
}

func (r *pgRepo) GetInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return r.loadInstance(ctx, instanceID, "")
}

func (r *pgRepo) LockInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return r.loadInstance(ctx, instanceID, " FOR UPDATE")
}

func (r *pgRepo) loadInstance(ctx context.Context, instanceID, lock string) (model.JourneyInstance, error) {
	inst, err := scanInstance(r.q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM journey_instances WHERE id = $1`+lock,
		instanceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JourneyInstance{}, model.NewNotFoundError(
			fmt.Sprintf("journey instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.JourneyInstance{}, fmt.Errorf("query journey instance: %w", err)
	}

	inst.Stages, err = r.stageProgress(ctx, instanceID)
	if err != nil {
		return model.JourneyInstance{}, err
	}
	return inst, nil
}

func (r *pgRepo) stageProgress(ctx context.Context, instanceID string) ([]model.StageProgress, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, instance_id, template_stage_id, position, title, description,
		       type, mandatory, sla_hours, config, status,
		       started_at, completed_at, sla_due_at, completed_by, version
		FROM stage_progress
		WHERE instance_id = $1
		ORDER BY position ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage progress: %w", err)
	}
	defer rows.Close()

	stages := []model.StageProgress{}
	for rows.Next() {
		var sp model.StageProgress
		var cfgJSON []byte
		if err := rows.Scan(
			&sp.ID, &sp.InstanceID, &sp.TemplateStageID, &sp.Position, &sp.Title, &sp.Description,
			&sp.Type, &sp.Mandatory, &sp.SLAHours, &cfgJSON, &sp.Status,
			&sp.StartedAt, &sp.CompletedAt, &sp.SLADueAt, &sp.CompletedBy, &sp.Version,
		); err != nil {
			return nil, fmt.Errorf("scan stage progress: %w", err)
		}
		if err := json.Unmarshal(cfgJSON, &sp.Config); err != nil {
			return nil, fmt.Errorf("unmarshal stage config: %w", err)
		}
		stages = append(stages, sp)
	}
	return stages, rows.Err()
}

func (r *pgRepo) UpdateInstance(ctx context.Context, inst model.JourneyInstance) error {
	naJSON, err := marshalNextAction(inst.NextAction)
	if err != nil {
		return err
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE journey_instances SET
			owner = $1,
			status = $2,
			completed_at = $3,
			updated_at = $4,
			current_stage_position = $5,
			progress_pct = $6,
			next_action = $7,
			version = $8
		WHERE id = $9 AND version = $10`,
		inst.Owner, inst.Status, inst.CompletedAt, inst.UpdatedAt,
		inst.CurrentStagePosition, inst.ProgressPct, naJSON, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update journey instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewStateConflictError(model.ConflictVersion,
			fmt.Sprintf("journey instance %q version conflict (expected %d)", inst.ID, inst.Version))
	}
	return nil
}

func (r *pgRepo) UpdateStage(ctx context.Context, sp model.StageProgress) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE stage_progress SET
			status = $1,
			started_at = $2,
			completed_at = $3,
			sla_due_at = $4,
			completed_by = $5,
			version = $6
		WHERE id = $7 AND instance_id = $8 AND version = $9`,
		sp.Status, sp.StartedAt, sp.CompletedAt, sp.SLADueAt, sp.CompletedBy, sp.Version+1,
		sp.ID, sp.InstanceID, sp.Version,
	)
	if err != nil {
		return fmt.Errorf("update stage progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewStateConflictError(model.ConflictStageAlreadyCompleted,
			fmt.Sprintf("stage progress %q was modified concurrently", sp.ID))
	}
	return nil
}

func (r *pgRepo) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.JourneyInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM journey_instances WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.TemplateID != "" {
		query += " AND template_id = " + arg(filters.TemplateID)
	}
	if filters.TemplateIDs != nil {
		query += " AND template_id = ANY(" + arg(filters.TemplateIDs) + ")"
	}
	if filters.ClientID != "" {
		query += " AND client_id = " + arg(filters.ClientID)
	}
	if filters.MatterID != "" {
		query += " AND matter_id = " + arg(filters.MatterID)
	}
	if filters.Owner != "" {
		query += " AND owner = " + arg(filters.Owner)
	}
	if filters.Status != "" {
		query += " AND status = " + arg(filters.Status)
	}
	if filters.StartedFrom != nil {
		query += " AND started_at >= " + arg(*filters.StartedFrom)
	}
	if filters.StartedTo != nil {
		query += " AND started_at <= " + arg(*filters.StartedTo)
	}

	query += " ORDER BY started_at DESC, id ASC"

	if filters.Limit > 0 {
		query += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += " OFFSET " + arg(filters.Offset)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journey instances: %w", err)
	}
	instances := []model.JourneyInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan journey instance: %w", err)
		}
		instances = append(instances, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range instances {
		instances[i].Stages, err = r.stageProgress(ctx, instances[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return instances, nil
}

func scanInstance(row pgx.Row) (model.JourneyInstance, error) {
	var inst model.JourneyInstance
	var naJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.ClientID, &inst.MatterID, &inst.Owner, &inst.Status,
		&inst.StartedAt, &inst.CompletedAt, &inst.UpdatedAt, &inst.CurrentStagePosition,
		&inst.ProgressPct, &naJSON, &inst.Version,
	); err != nil {
		return model.JourneyInstance{}, err
	}
	if naJSON != nil {
		var na model.NextAction
		if err := json.Unmarshal(naJSON, &na); err != nil {
			return model.JourneyInstance{}, fmt.Errorf("unmarshal next action: %w", err)
		}
		inst.NextAction = &na
	}
	return inst, nil
}

func marshalNextAction(na *model.NextAction) ([]byte, error) {
	if na == nil {
		return nil, nil
	}
	b, err := json.Marshal(na)
	if err != nil {
		return nil, fmt.Errorf("marshal next action: %w", err)
	}
	return b, nil
}

// --- Events ---

func (r *pgRepo) AppendEvent(ctx context.Context, event model.JourneyEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO journey_events (
			id, instance_id, stage_progress_id, event, actor_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.InstanceID, event.StageProgressID, event.Event,
		event.ActorID, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert journey event: %w", err)
	}
	return nil
}

func (r *pgRepo) ListEvents(ctx context.Context, instanceID string) ([]model.JourneyEvent, error) {
	if _, err := r.loadInstance(ctx, instanceID, ""); err != nil {
		return nil, err
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, instance_id, stage_progress_id, event, actor_id, data, created_at
		FROM journey_events
		WHERE instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query journey events: %w", err)
	}
	defer rows.Close()

	events := []model.JourneyEvent{}
	for rows.Next() {
		var evt model.JourneyEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.StageProgressID, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan journey event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// --- Plans ---

const planColumns = `id, client_id, journey_instance_id, amount_total,
	installments_count, status, created_by, created_at, updated_at`

func (r *pgRepo) CreatePlan(ctx context.Context, plan model.PaymentPlan) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO payment_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		plan.ID, plan.ClientID, nullString(plan.JourneyInstanceID), plan.AmountTotal,
		plan.InstallmentsCount, plan.Status, plan.CreatedBy, plan.CreatedAt, plan.UpdatedAt,
	)
	if isUniqueViolation(err) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "payment_plans_journey_instance_id_key" {
			return model.NewStateConflictError(model.ConflictPlanAlreadyAttached,
				fmt.Sprintf("journey instance %q already has a payment plan", plan.JourneyInstanceID))
		}
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("payment plan %q already exists", plan.ID))
	}
	if err != nil {
		return fmt.Errorf("insert payment plan: %w", err)
	}
	return nil
}

func (r *pgRepo) GetPlan(ctx context.Context, planID string) (model.PaymentPlan, error) {
	return r.loadPlan(ctx, "id = $1", planID, "")
}

func (r *pgRepo) LockPlan(ctx context.Context, planID string) (model.PaymentPlan, error) {
	return r.loadPlan(ctx, "id = $1", planID, " FOR UPDATE")
}

func (r *pgRepo) GetPlanByInstance(ctx context.Context, instanceID string) (model.PaymentPlan, error) {
	plan, err := r.loadPlan(ctx, "journey_instance_id = $1", instanceID, "")
	if model.IsNotFound(err) {
		return model.PaymentPlan{}, model.NewNotFoundError(
			fmt.Sprintf("journey instance %q has no payment plan", instanceID),
		)
	}
	return plan, err
}

func (r *pgRepo) loadPlan(ctx context.Context, where string, key string, lock string) (model.PaymentPlan, error) {
	var plan model.PaymentPlan
	var instanceID *string
	err := r.q.QueryRow(ctx,
		`SELECT `+planColumns+` FROM payment_plans WHERE `+where+lock, key,
	).Scan(
		&plan.ID, &plan.ClientID, &instanceID, &plan.AmountTotal,
		&plan.InstallmentsCount, &plan.Status, &plan.CreatedBy, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PaymentPlan{}, model.NewNotFoundError(
			fmt.Sprintf("payment plan %q not found", key),
		)
	}
	if err != nil {
		return model.PaymentPlan{}, fmt.Errorf("query payment plan: %w", err)
	}
	if instanceID != nil {
		plan.JourneyInstanceID = *instanceID
	}
	return plan, nil
}

func (r *pgRepo) UpdatePlan(ctx context.Context, plan model.PaymentPlan) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE payment_plans SET
			journey_instance_id = $1,
			status = $2,
			installments_count = $3,
			updated_at = $4
		WHERE id = $5`,
		nullString(plan.JourneyInstanceID), plan.Status, plan.InstallmentsCount,
		plan.UpdatedAt, plan.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("payment plan %q not found", plan.ID))
	}
	return nil
}

// --- Installments ---

const installmentColumns = `id, plan_id, sequence_number, due_date, amount, status,
	paid_at, payment_method, triggered_by_stage_id, activated_at`

func (r *pgRepo) CreateInstallment(ctx context.Context, in model.Installment) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO installments (`+installmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.PlanID, in.SequenceNumber, in.DueDate, in.Amount, in.Status,
		in.PaidAt, in.PaymentMethod, in.TriggeredByStageID, in.ActivatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("payment plan %q already has installment %d", in.PlanID, in.SequenceNumber))
	}
	if err != nil {
		return fmt.Errorf("insert installment: %w", err)
	}
	return nil
}

func (r *pgRepo) GetInstallment(ctx context.Context, installmentID string) (model.Installment, error) {
	in, err := scanInstallment(r.q.QueryRow(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE id = $1`, installmentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Installment{}, model.NewNotFoundError(
			fmt.Sprintf("installment %q not found", installmentID),
		)
	}
	if err != nil {
		return model.Installment{}, fmt.Errorf("query installment: %w", err)
	}
	return in, nil
}

func (r *pgRepo) UpdateInstallment(ctx context.Context, in model.Installment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE installments SET
			due_date = $1,
			status = $2,
			paid_at = $3,
			payment_method = $4,
			triggered_by_stage_id = $5,
			activated_at = $6
		WHERE id = $7`,
		in.DueDate, in.Status, in.PaidAt, in.PaymentMethod, in.TriggeredByStageID,
		in.ActivatedAt, in.ID,
	)
	if err != nil {
		return fmt.Errorf("update installment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("installment %q not found", in.ID))
	}
	return nil
}

// ListInstallments locks the returned rows when called inside a transaction so
// the sweep and the billing linker never interleave on the same plan.
func (r *pgRepo) ListInstallments(ctx context.Context, planID string) ([]model.Installment, error) {
	lock := ""
	if _, inTx := r.q.(pgx.Tx); inTx {
		lock = " FOR UPDATE"
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+installmentColumns+` FROM installments
		 WHERE plan_id = $1 ORDER BY sequence_number ASC`+lock,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("query installments: %w", err)
	}
	defer rows.Close()

	result := []model.Installment{}
	for rows.Next() {
		in, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func scanInstallment(row pgx.Row) (model.Installment, error) {
	var in model.Installment
	err := row.Scan(
		&in.ID, &in.PlanID, &in.SequenceNumber, &in.DueDate, &in.Amount, &in.Status,
		&in.PaidAt, &in.PaymentMethod, &in.TriggeredByStageID, &in.ActivatedAt,
	)
	return in, err
}

// --- Links and firings ---

func (r *pgRepo) CreateLink(ctx context.Context, link model.StagePaymentLink) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stage_payment_links (
			id, plan_id, stage_template_id, rule, installment_amount,
			days_after_completion, notification_title, notification_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		link.ID, link.PlanID, link.StageTemplateID, link.Rule, link.InstallmentAmount,
		link.DaysAfterCompletion, link.NotificationTitle, link.NotificationMessage,
	)
	if isUniqueViolation(err) {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("payment link %q already exists", link.ID))
	}
	if err != nil {
		return fmt.Errorf("insert payment link: %w", err)
	}
	return nil
}

func (r *pgRepo) ListLinks(ctx context.Context, planID string) ([]model.StagePaymentLink, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, plan_id, stage_template_id, rule, installment_amount,
		       days_after_completion, notification_title, notification_message
		FROM stage_payment_links
		WHERE plan_id = $1
		ORDER BY id ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("query payment links: %w", err)
	}
	defer rows.Close()

	result := []model.StagePaymentLink{}
	for rows.Next() {
		var link model.StagePaymentLink
		if err := rows.Scan(
			&link.ID, &link.PlanID, &link.StageTemplateID, &link.Rule, &link.InstallmentAmount,
			&link.DaysAfterCompletion, &link.NotificationTitle, &link.NotificationMessage,
		); err != nil {
			return nil, fmt.Errorf("scan payment link: %w", err)
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

func (r *pgRepo) RecordFiring(ctx context.Context, firing model.LinkFiring) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO link_firings (link_id, instance_id, stage_progress_id, rule, fired_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (link_id, instance_id) DO NOTHING`,
		firing.LinkID, firing.InstanceID, firing.StageProgressID, firing.Rule, firing.FiredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert link firing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRepo) ListFirings(ctx context.Context, instanceID string) ([]model.LinkFiring, error) {
	rows, err := r.q.Query(ctx, `
		SELECT link_id, instance_id, stage_progress_id, rule, fired_at
		FROM link_firings
		WHERE instance_id = $1
		ORDER BY link_id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query link firings: %w", err)
	}
	defer rows.Close()

	result := []model.LinkFiring{}
	for rows.Next() {
		var f model.LinkFiring
		if err := rows.Scan(&f.LinkID, &f.InstanceID, &f.StageProgressID, &f.Rule, &f.FiredAt); err != nil {
			return nil, fmt.Errorf("scan link firing: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *pgRepo) FindPlansToReconcile(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT p.id
		FROM payment_plans p
		JOIN installments i ON i.plan_id = p.id
		WHERE (i.status = 'pendente' AND i.due_date < $1)
		   OR (i.status = 'vencida' AND p.status = 'ativo')
		ORDER BY p.id ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query reconcile candidates: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan plan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
