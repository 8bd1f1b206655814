package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/jornada/model"
)

// memState is one consistent snapshot of everything the memory store holds.
// Values are replaced on write and never modified in place, so copying the
// maps is enough to isolate a unit of work.
type memState struct {
	templates    map[string]model.JourneyTemplate
	instances    map[string]model.JourneyInstance
	events       map[string][]model.JourneyEvent // key: instance ID
	plans        map[string]model.PaymentPlan
	installments map[string]model.Installment
	links        map[string]model.StagePaymentLink
	firings      map[string]model.LinkFiring // key: link ID + "/" + instance ID
}

func newMemState() *memState {
	return &memState{
		templates:    make(map[string]model.JourneyTemplate),
		instances:    make(map[string]model.JourneyInstance),
		events:       make(map[string][]model.JourneyEvent),
		plans:        make(map[string]model.PaymentPlan),
		installments: make(map[string]model.Installment),
		links:        make(map[string]model.StagePaymentLink),
		firings:      make(map[string]model.LinkFiring),
	}
}

func (st *memState) clone() *memState {
	events := make(map[string][]model.JourneyEvent, len(st.events))
	for k, v := range st.events {
		events[k] = slices.Clone(v)
	}
	return &memState{
		templates:    cloneMap(st.templates),
		instances:    cloneMap(st.instances),
		events:       events,
		plans:        cloneMap(st.plans),
		installments: cloneMap(st.installments),
		links:        cloneMap(st.links),
		firings:      cloneMap(st.firings),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MemoryStore is an in-memory Store for tests and single-process deployments.
// Atomic units are serialized and work on a private copy of the state that
// replaces the live state only when the unit succeeds.
type MemoryStore struct {
	unitMu sync.Mutex // serializes atomic units
	mu     sync.RWMutex
	state  *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Atomically runs fn against a copy of the state and commits it if fn
// succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	s.unitMu.Lock()
	defer s.unitMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memRepo{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// read returns a repository over the committed snapshot. A committed snapshot
// is never modified, so it stays valid after the lock is released.
func (s *MemoryStore) read() *memRepo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &memRepo{st: s.state}
}

func (s *MemoryStore) write(ctx context.Context, fn func(repo Repository) error) error {
	return s.Atomically(ctx, func(_ context.Context, repo Repository) error {
		return fn(repo)
	})
}

// The methods below satisfy Repository outside of an atomic unit. Each write
// runs as its own single-statement unit.
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateTemplate(ctx context.Context, tpl model.JourneyTemplate) error {
	return s.write(ctx, func(r Repository) error { return r.CreateTemplate(ctx, tpl) })
}

func (s *MemoryStore) GetTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return s.read().GetTemplate(ctx, templateID)
}

func (s *MemoryStore) LockTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return s.read().GetTemplate(ctx, templateID)
}

func (s *MemoryStore) ShareTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return s.read().GetTemplate(ctx, templateID)
}

func (s *MemoryStore) UpdateTemplate(ctx context.Context, tpl model.JourneyTemplate) error {
	return s.write(ctx, func(r Repository) error { return r.UpdateTemplate(ctx, tpl) })
}

func (s *MemoryStore) ListTemplates(ctx context.Context, niche string) ([]model.JourneyTemplate, error) {
	return s.read().ListTemplates(ctx, niche)
}

func (s *MemoryStore) CountInstances(ctx context.Context, templateID string) (int, error) {
	return s.read().CountInstances(ctx, templateID)
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst model.JourneyInstance) error {
	return s.write(ctx, func(r Repository) error { return r.CreateInstance(ctx, inst) })
}

func (s *MemoryStore) GetInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return s.read().GetInstance(ctx, instanceID)
}

func (s *MemoryStore) LockInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return s.read().GetInstance(ctx, instanceID)
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, inst model.JourneyInstance) error {
	return s.write(ctx, func(r Repository) error { return r.UpdateInstance(ctx, inst) })
}

func (s *MemoryStore) UpdateStage(ctx context.Context, sp model.StageProgress) error {
	return s.write(ctx, func(r Repository) error { return r.UpdateStage(ctx, sp) })
}

func (s *MemoryStore) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.JourneyInstance, error) {
	return s.read().ListInstances(ctx, filters)
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event model.JourneyEvent) error {
	return s.write(ctx, func(r Repository) error { return r.AppendEvent(ctx, event) })
}

func (s *MemoryStore) ListEvents(ctx context.Context, instanceID string) ([]model.JourneyEvent, error) {
	return s.read().ListEvents(ctx, instanceID)
}

func (s *MemoryStore) CreatePlan(ctx context.Context, plan model.PaymentPlan) error {
	return s.write(ctx, func(r Repository) error { return r.CreatePlan(ctx, plan) })
}

func (s *MemoryStore) GetPlan(ctx context.Context, planID string) (model.PaymentPlan, error) {
	return s.read().GetPlan(ctx, planID)
}

func (s *MemoryStore) LockPlan(ctx context.Context, planID string) (model.PaymentPlan, error) {
	return s.read().GetPlan(ctx, planID)
}

func (s *MemoryStore) GetPlanByInstance(ctx context.Context, instanceID string) (model.PaymentPlan, error) {
	return s.read().GetPlanByInstance(ctx, instanceID)
}

func (s *MemoryStore) UpdatePlan(ctx context.Context, plan model.PaymentPlan) error {
	return s.write(ctx, func(r Repository) error { return r.UpdatePlan(ctx, plan) })
}

func (s *MemoryStore) CreateInstallment(ctx context.Context, in model.Installment) error {
	return s.write(ctx, func(r Repository) error { return r.CreateInstallment(ctx, in) })
}

func (s *MemoryStore) GetInstallment(ctx context.Context, installmentID string) (model.Installment, error) {
	return s.read().GetInstallment(ctx, installmentID)
}

func (s *MemoryStore) UpdateInstallment(ctx context.Context, in model.Installment) error {
	return s.write(ctx, func(r Repository) error { return r.UpdateInstallment(ctx, in) })
}

func (s *MemoryStore) ListInstallments(ctx context.Context, planID string) ([]model.Installment, error) {
	return s.read().ListInstallments(ctx, planID)
}

func (s *MemoryStore) CreateLink(ctx context.Context, link model.StagePaymentLink) error {
	return s.write(ctx, func(r Repository) error { return r.CreateLink(ctx, link) })
}

func (s *MemoryStore) ListLinks(ctx context.Context, planID string) ([]model.StagePaymentLink, error) {
	return s.read().ListLinks(ctx, planID)
}

func (s *MemoryStore) RecordFiring(ctx context.Context, firing model.LinkFiring) (bool, error) {
	var created bool
	err := s.write(ctx, func(r Repository) error {
		var err error
		created, err = r.RecordFiring(ctx, firing)
		return err
	})
	return created, err
}

func (s *MemoryStore) ListFirings(ctx context.Context, instanceID string) ([]model.LinkFiring, error) {
	return s.read().ListFirings(ctx, instanceID)
}

func (s *MemoryStore) FindPlansToReconcile(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.read().FindPlansToReconcile(ctx, cutoff)
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.instances)
}

// memRepo implements Repository over one memState. It does no locking; the
// owning MemoryStore guarantees exclusive access for writes.
type memRepo struct {
	st *memState
}

func cloneTemplate(tpl model.JourneyTemplate) model.JourneyTemplate {
	tpl.Stages = slices.Clone(tpl.Stages)
	tpl.Tags = slices.Clone(tpl.Tags)
	return tpl
}

func cloneInstance(inst model.JourneyInstance) model.JourneyInstance {
	inst.Stages = slices.Clone(inst.Stages)
	if inst.NextAction != nil {
		na := *inst.NextAction
		inst.NextAction = &na
	}
	return inst
}

func (r *memRepo) CreateTemplate(_ context.Context, tpl model.JourneyTemplate) error {
	if _, exists := r.st.templates[tpl.ID]; exists {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("template %q already exists", tpl.ID))
	}
	r.st.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (r *memRepo) GetTemplate(_ context.Context, templateID string) (model.JourneyTemplate, error) {
	tpl, exists := r.st.templates[templateID]
	if !exists {
		return model.JourneyTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	return cloneTemplate(tpl), nil
}

// Writers already run one at a time; the template locks add nothing.
func (r *memRepo) LockTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return r.GetTemplate(ctx, templateID)
}

func (r *memRepo) ShareTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return r.GetTemplate(ctx, templateID)
}

func (r *memRepo) UpdateTemplate(_ context.Context, tpl model.JourneyTemplate) error {
	if _, exists := r.st.templates[tpl.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", tpl.ID))
	}
	r.st.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

func (r *memRepo) ListTemplates(_ context.Context, niche string) ([]model.JourneyTemplate, error) {
	result := []model.JourneyTemplate{}
	for _, tpl := range r.st.templates {
		if niche != "" && tpl.Niche != niche {
			continue
		}
		result = append(result, cloneTemplate(tpl))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (r *memRepo) CountInstances(_ context.Context, templateID string) (int, error) {
	n := 0
	for _, inst := range r.st.instances {
		if inst.TemplateID == templateID {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CreateInstance(_ context.Context, inst model.JourneyInstance) error {
	if _, exists := r.st.instances[inst.ID]; exists {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("journey instance %q already exists", inst.ID))
	}
	r.st.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (r *memRepo) GetInstance(_ context.Context, instanceID string) (model.JourneyInstance, error) {
	inst, exists := r.st.instances[instanceID]
	if !exists {
		return model.JourneyInstance{}, model.NewNotFoundError(
			fmt.Sprintf("journey instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

func (r *memRepo) LockInstance(ctx context.Context, instanceID string) (model.JourneyInstance, error) {
	return r.GetInstance(ctx, instanceID)
}

func (r *memRepo) UpdateInstance(_ context.Context, inst model.JourneyInstance) error {
	existing, exists := r.st.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("journey instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewStateConflictError(model.ConflictVersion,
			fmt.Sprintf("journey instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version))
	}

	// Stage rows are owned by UpdateStage.
	updated := cloneInstance(inst)
	updated.Stages = existing.Stages
	updated.Version++
	r.st.instances[inst.ID] = updated
	return nil
}

func (r *memRepo) UpdateStage(_ context.Context, sp model.StageProgress) error {
	inst, exists := r.st.instances[sp.InstanceID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("journey instance %q not found", sp.InstanceID))
	}
	idx := slices.IndexFunc(inst.Stages, func(s model.StageProgress) bool { return s.ID == sp.ID })
	if idx < 0 {
		return model.NewNotFoundError(fmt.Sprintf("stage progress %q not found", sp.ID))
	}
	if inst.Stages[idx].Version != sp.Version {
		return model.NewStateConflictError(model.ConflictStageAlreadyCompleted,
			fmt.Sprintf("stage progress %q was modified concurrently", sp.ID))
	}

	stages := slices.Clone(inst.Stages)
	sp.SLABucket = ""
	sp.Version++
	stages[idx] = sp
	inst.Stages = stages
	r.st.instances[inst.ID] = inst
	return nil
}

func (r *memRepo) ListInstances(_ context.Context, filters model.InstanceFilters) ([]model.JourneyInstance, error) {
	result := []model.JourneyInstance{}
	for _, inst := range r.st.instances {
		if !matchesFilters(inst, filters) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.JourneyInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

func matchesFilters(inst model.JourneyInstance, f model.InstanceFilters) bool {
	if f.TemplateID != "" && inst.TemplateID != f.TemplateID {
		return false
	}
	if f.TemplateIDs != nil && !slices.Contains(f.TemplateIDs, inst.TemplateID) {
		return false
	}
	if f.ClientID != "" && inst.ClientID != f.ClientID {
		return false
	}
	if f.MatterID != "" && inst.MatterID != f.MatterID {
		return false
	}
	if f.Owner != "" && inst.Owner != f.Owner {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.StartedFrom != nil && inst.StartedAt.Before(*f.StartedFrom) {
		return false
	}
	if f.StartedTo != nil && inst.StartedAt.After(*f.StartedTo) {
		return false
	}
	return true
}

func (r *memRepo) AppendEvent(_ context.Context, event model.JourneyEvent) error {
	r.st.events[event.InstanceID] = append(slices.Clip(r.st.events[event.InstanceID]), event)
	return nil
}

func (r *memRepo) ListEvents(_ context.Context, instanceID string) ([]model.JourneyEvent, error) {
	if _, exists := r.st.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("journey instance %q not found", instanceID))
	}
	result := slices.Clone(r.st.events[instanceID])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (r *memRepo) CreatePlan(_ context.Context, plan model.PaymentPlan) error {
	if _, exists := r.st.plans[plan.ID]; exists {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("payment plan %q already exists", plan.ID))
	}
	if plan.JourneyInstanceID != "" {
		if _, err := r.GetPlanByInstance(context.Background(), plan.JourneyInstanceID); err == nil {
			return model.NewStateConflictError(model.ConflictPlanAlreadyAttached,
				fmt.Sprintf("journey instance %q already has a payment plan", plan.JourneyInstanceID))
		}
	}
	r.st.plans[plan.ID] = plan
	return nil
}

func (r *memRepo) GetPlan(_ context.Context, planID string) (model.PaymentPlan, error) {
	plan, exists := r.st.plans[planID]
	if !exists {
		return model.PaymentPlan{}, model.NewNotFoundError(
			fmt.Sprintf("payment plan %q not found", planID),
		)
	}
	return plan, nil
}

func (r *memRepo) LockPlan(ctx context.Context, planID string) (model.PaymentPlan, error) {
	return r.GetPlan(ctx, planID)
}

func (r *memRepo) GetPlanByInstance(_ context.Context, instanceID string) (model.PaymentPlan, error) {
	for _, plan := range r.st.plans {
		if plan.JourneyInstanceID == instanceID {
			return plan, nil
		}
	}
	return model.PaymentPlan{}, model.NewNotFoundError(
		fmt.Sprintf("journey instance %q has no payment plan", instanceID),
	)
}

func (r *memRepo) UpdatePlan(_ context.Context, plan model.PaymentPlan) error {
	if _, exists := r.st.plans[plan.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("payment plan %q not found", plan.ID))
	}
	r.st.plans[plan.ID] = plan
	return nil
}

func (r *memRepo) CreateInstallment(_ context.Context, in model.Installment) error {
	if _, exists := r.st.plans[in.PlanID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("payment plan %q not found", in.PlanID))
	}
	for _, existing := range r.st.installments {
		if existing.PlanID == in.PlanID && existing.SequenceNumber == in.SequenceNumber {
			return model.NewStateConflictError(model.ConflictDuplicate,
				fmt.Sprintf("payment plan %q already has installment %d", in.PlanID, in.SequenceNumber))
		}
	}
	r.st.installments[in.ID] = in
	return nil
}

func (r *memRepo) GetInstallment(_ context.Context, installmentID string) (model.Installment, error) {
	in, exists := r.st.installments[installmentID]
	if !exists {
		return model.Installment{}, model.NewNotFoundError(
			fmt.Sprintf("installment %q not found", installmentID),
		)
	}
	return in, nil
}

func (r *memRepo) UpdateInstallment(_ context.Context, in model.Installment) error {
	if _, exists := r.st.installments[in.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("installment %q not found", in.ID))
	}
	r.st.installments[in.ID] = in
	return nil
}

func (r *memRepo) ListInstallments(_ context.Context, planID string) ([]model.Installment, error) {
	result := []model.Installment{}
	for _, in := range r.st.installments {
		if in.PlanID == planID {
			result = append(result, in)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	return result, nil
}

func (r *memRepo) CreateLink(_ context.Context, link model.StagePaymentLink) error {
	if _, exists := r.st.plans[link.PlanID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("payment plan %q not found", link.PlanID))
	}
	if _, exists := r.st.links[link.ID]; exists {
		return model.NewStateConflictError(model.ConflictDuplicate,
			fmt.Sprintf("payment link %q already exists", link.ID))
	}
	r.st.links[link.ID] = link
	return nil
}

func (r *memRepo) ListLinks(_ context.Context, planID string) ([]model.StagePaymentLink, error) {
	result := []model.StagePaymentLink{}
	for _, link := range r.st.links {
		if link.PlanID == planID {
			result = append(result, link)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memRepo) RecordFiring(_ context.Context, firing model.LinkFiring) (bool, error) {
	key := firing.LinkID + "/" + firing.InstanceID
	if _, exists := r.st.firings[key]; exists {
		return false, nil
	}
	r.st.firings[key] = firing
	return true, nil
}

func (r *memRepo) ListFirings(_ context.Context, instanceID string) ([]model.LinkFiring, error) {
	result := []model.LinkFiring{}
	for _, f := range r.st.firings {
		if f.InstanceID == instanceID {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LinkID < result[j].LinkID })
	return result, nil
}

func (r *memRepo) FindPlansToReconcile(_ context.Context, cutoff time.Time) ([]string, error) {
	seen := make(map[string]bool)
	for _, in := range r.st.installments {
		plan, ok := r.st.plans[in.PlanID]
		if !ok || seen[plan.ID] {
			continue
		}
		switch {
		case in.Status == model.InstallmentPendente && in.DueDate.Before(cutoff):
			seen[plan.ID] = true
		case in.Status == model.InstallmentVencida && plan.Status == model.PlanStatusAtivo:
			seen[plan.ID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
