// Package catalog defines reusable journey templates and their ordered stages.
package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/clock"
	"github.com/pitabwire/jornada/internal/store"
	"github.com/pitabwire/jornada/model"
)

// copySuffix is appended to the name of a duplicated template.
const copySuffix = " (Cópia)"

// TemplateInput is the caller-supplied part of a template.
type TemplateInput struct {
	Name   string       `json:"name" yaml:"name"`
	Niche  string       `json:"niche" yaml:"niche"`
	Tags   []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
	Stages []StageInput `json:"stages" yaml:"stages"`
}

// StageInput is the caller-supplied part of a template stage.
type StageInput struct {
	Position    int               `json:"position" yaml:"position"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Type        model.StageType   `json:"type" yaml:"type"`
	Mandatory   bool              `json:"mandatory" yaml:"mandatory"`
	SLAHours    int               `json:"sla_hours" yaml:"sla_hours"`
	Config      model.StageConfig `json:"config" yaml:"config"`
}

// Catalog creates, copies and edits journey templates.
type Catalog struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(cat *Catalog) { cat.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cat *Catalog) {
		if l != nil {
			cat.logger = l
		}
	}
}

// New creates a Catalog backed by s.
func New(s store.Store, opts ...Option) *Catalog {
	cat := &Catalog{
		store:  s,
		clock:  clock.System{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cat)
	}
	return cat
}

// CreateTemplate validates the input and stores a new template with fresh ids.
func (c *Catalog) CreateTemplate(ctx context.Context, in TemplateInput) (model.JourneyTemplate, error) {
	return c.create(ctx, uuid.NewString(), in, nil)
}

// create validates and stores a template under id. stageIDs, when non-nil,
// supplies stage ids by position; missing entries get fresh ids.
func (c *Catalog) create(ctx context.Context, id string, in TemplateInput, stageIDs map[int]string) (model.JourneyTemplate, error) {
	if errs := Validate(in); len(errs) > 0 {
		return model.JourneyTemplate{}, model.NewValidationError(errs)
	}

	now := c.clock.Now()
	tpl := build(id, in, stageIDs)
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := c.store.CreateTemplate(ctx, tpl); err != nil {
		return model.JourneyTemplate{}, err
	}

	c.logger.Info("template created",
		zap.String("template_id", tpl.ID),
		zap.String("niche", tpl.Niche),
		zap.Int("steps_count", tpl.StepsCount),
	)
	return tpl, nil
}

// DuplicateTemplate deep-copies a template with fresh ids. Positions and stage
// config are preserved verbatim.
func (c *Catalog) DuplicateTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	src, err := c.store.GetTemplate(ctx, templateID)
	if err != nil {
		return model.JourneyTemplate{}, err
	}

	now := c.clock.Now()
	dup := src
	dup.ID = uuid.NewString()
	dup.Name = src.Name + copySuffix
	dup.Tags = slices.Clone(src.Tags)
	dup.CreatedAt = now
	dup.UpdatedAt = now
	dup.Stages = make([]model.TemplateStage, len(src.Stages))
	for i, st := range src.Stages {
		st.ID = uuid.NewString()
		st.TemplateID = dup.ID
		st.Config = cloneConfig(st.Config)
		dup.Stages[i] = st
	}

	if err := c.store.CreateTemplate(ctx, dup); err != nil {
		return model.JourneyTemplate{}, err
	}

	c.logger.Info("template duplicated",
		zap.String("source_template_id", src.ID),
		zap.String("template_id", dup.ID),
	)
	return dup, nil
}

// GetTemplate returns a template with its stages.
func (c *Catalog) GetTemplate(ctx context.Context, templateID string) (model.JourneyTemplate, error) {
	return c.store.GetTemplate(ctx, templateID)
}

// ListTemplates returns every template, or only those of niche when set.
func (c *Catalog) ListTemplates(ctx context.Context, niche string) ([]model.JourneyTemplate, error) {
	return c.store.ListTemplates(ctx, niche)
}

// UpdateTemplate replaces a template's definition. Templates referenced by
// any instance are frozen and fail with TemplateInUse. The template row stays
// locked until the edit commits, so an instance cannot start from it between
// the in-use check and the write.
func (c *Catalog) UpdateTemplate(ctx context.Context, templateID string, in TemplateInput) (model.JourneyTemplate, error) {
	if errs := Validate(in); len(errs) > 0 {
		return model.JourneyTemplate{}, model.NewValidationError(errs)
	}

	var updated model.JourneyTemplate
	err := c.store.Atomically(ctx, func(ctx context.Context, repo store.Repository) error {
		existing, err := repo.LockTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		n, err := repo.CountInstances(ctx, templateID)
		if err != nil {
			return err
		}
		if n > 0 {
			return model.NewStateConflictError(model.ConflictTemplateInUse,
				fmt.Sprintf("template %q is used by %d journey instance(s)", templateID, n))
		}

		// Stage ids survive an edit when the position is unchanged so that
		// payment links keep resolving.
		ids := make(map[int]string, len(existing.Stages))
		for _, st := range existing.Stages {
			ids[st.Position] = st.ID
		}
		updated = build(templateID, in, ids)
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = c.clock.Now()
		return repo.UpdateTemplate(ctx, updated)
	})
	if err != nil {
		return model.JourneyTemplate{}, err
	}
	return updated, nil
}

// build assembles a template from validated input.
func build(id string, in TemplateInput, stageIDs map[int]string) model.JourneyTemplate {
	tpl := model.JourneyTemplate{
		ID:     id,
		Name:   in.Name,
		Niche:  in.Niche,
		Tags:   slices.Clone(in.Tags),
		Stages: make([]model.TemplateStage, len(in.Stages)),
	}

	totalHours := 0
	for i, st := range in.Stages {
		stageID := stageIDs[st.Position]
		if stageID == "" {
			stageID = uuid.NewString()
		}
		tpl.Stages[i] = model.TemplateStage{
			ID:          stageID,
			TemplateID:  id,
			Position:    st.Position,
			Title:       st.Title,
			Description: st.Description,
			Type:        st.Type,
			Mandatory:   st.Mandatory,
			SLAHours:    st.SLAHours,
			Config:      cloneConfig(st.Config),
		}
		totalHours += st.SLAHours
	}
	slices.SortFunc(tpl.Stages, func(a, b model.TemplateStage) int { return a.Position - b.Position })

	tpl.StepsCount = len(tpl.Stages)
	tpl.ETADays = etaDays(totalHours)
	return tpl
}

// etaDays is the summed SLA expressed in whole days, rounded up.
func etaDays(totalHours int) int {
	return (totalHours + 23) / 24
}

func cloneConfig(cfg model.StageConfig) model.StageConfig {
	cfg.Documents = slices.Clone(cfg.Documents)
	cfg.Checklist = slices.Clone(cfg.Checklist)
	return cfg
}
