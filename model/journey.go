package model

import "time"

// StageType classifies the action a stage asks for.
type StageType string

// Stage types.
const (
	StageTypeDocumentRequest StageType = "document_request"
	StageTypeTask            StageType = "task"
	StageTypeMeeting         StageType = "meeting"
	StageTypeNotification    StageType = "notification"
	StageTypeManualReview    StageType = "manual_review"
	StageTypeSignature       StageType = "signature"
)

// StageTypes lists every known stage type.
var StageTypes = []StageType{
	StageTypeDocumentRequest,
	StageTypeTask,
	StageTypeMeeting,
	StageTypeNotification,
	StageTypeManualReview,
	StageTypeSignature,
}

// Valid reports whether t is a known stage type.
func (t StageType) Valid() bool {
	for _, known := range StageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// InstanceStatus is the lifecycle state of a journey instance.
type InstanceStatus string

// Journey instance statuses.
const (
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusActive, InstanceStatusPaused, InstanceStatusCompleted, InstanceStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusCancelled
}

// StageStatus is the runtime state of one stage within an instance.
type StageStatus string

// Stage progress statuses.
const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusSkipped    StageStatus = "skipped"
	StageStatusBlocked    StageStatus = "blocked"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StageStatusPending, StageStatusInProgress, StageStatusCompleted, StageStatusSkipped, StageStatusBlocked:
		return true
	}
	return false
}

// Done reports whether the stage counts towards progress.
func (s StageStatus) Done() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}

// StageOutcome is the result an actor reports when advancing a stage.
type StageOutcome string

// Advance outcomes.
const (
	OutcomeCompleted StageOutcome = "completed"
	OutcomeSkipped   StageOutcome = "skipped"
	OutcomeBlocked   StageOutcome = "blocked"
)

// Valid reports whether o is an accepted advance outcome.
func (o StageOutcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeSkipped, OutcomeBlocked:
		return true
	}
	return false
}

// StageConfig holds the type-specific parameters of a stage. Fields that do not
// apply to a stage's type are left empty.
type StageConfig struct {
	Documents    []string `json:"documents,omitempty" yaml:"documents,omitempty"`
	Checklist    []string `json:"checklist,omitempty" yaml:"checklist,omitempty"`
	Location     string   `json:"location,omitempty" yaml:"location,omitempty"`
	Duration     string   `json:"duration,omitempty" yaml:"duration,omitempty"`
	Reviewer     string   `json:"reviewer,omitempty" yaml:"reviewer,omitempty"`
	Message      string   `json:"message,omitempty" yaml:"message,omitempty"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	CTALabel     string   `json:"cta_label,omitempty" yaml:"cta_label,omitempty"`
	CTAURL       string   `json:"cta_url,omitempty" yaml:"cta_url,omitempty"`
}

// JourneyTemplate is a reusable, ordered workflow definition.
type JourneyTemplate struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Niche      string          `json:"niche" yaml:"niche"`
	Stages     []TemplateStage `json:"stages" yaml:"stages"`
	Tags       []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	StepsCount int             `json:"steps_count" yaml:"-"`
	ETADays    int             `json:"eta_days" yaml:"-"`
	CreatedAt  time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time       `json:"updated_at" yaml:"-"`
}

// TemplateStage is one ordered step of a template.
type TemplateStage struct {
	ID          string      `json:"id" yaml:"id"`
	TemplateID  string      `json:"template_id" yaml:"-"`
	Position    int         `json:"position" yaml:"position"`
	Title       string      `json:"title" yaml:"title"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Type        StageType   `json:"type" yaml:"type"`
	Mandatory   bool        `json:"mandatory" yaml:"mandatory"`
	SLAHours    int         `json:"sla_hours" yaml:"sla_hours"`
	Config      StageConfig `json:"config" yaml:"config"`
}

// JourneyInstance is a live run of a template for one client/matter.
type JourneyInstance struct {
	ID                   string          `json:"id"`
	TemplateID           string          `json:"template_id"`
	ClientID             string          `json:"client_id"`
	MatterID             string          `json:"matter_id,omitempty"`
	Owner                string          `json:"owner"`
	Status               InstanceStatus  `json:"status"`
	StartedAt            time.Time       `json:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
	CurrentStagePosition int             `json:"current_stage_position"`
	ProgressPct          float64         `json:"progress_pct"`
	NextAction           *NextAction     `json:"next_action,omitempty"`
	Stages               []StageProgress `json:"stages"`
	Version              int             `json:"version"`
}

// Stage returns the stage progress with the given id, or nil.
func (i *JourneyInstance) Stage(stageProgressID string) *StageProgress {
	for idx := range i.Stages {
		if i.Stages[idx].ID == stageProgressID {
			return &i.Stages[idx]
		}
	}
	return nil
}

// StageAt returns the stage progress at the given position, or nil.
func (i *JourneyInstance) StageAt(position int) *StageProgress {
	for idx := range i.Stages {
		if i.Stages[idx].Position == position {
			return &i.Stages[idx]
		}
	}
	return nil
}

// ActiveStage returns the stage at the current position when that stage is in
// progress or blocked, or nil. Completed and cancelled instances have none.
func (i *JourneyInstance) ActiveStage() *StageProgress {
	if i.Status.Terminal() {
		return nil
	}
	sp := i.StageAt(i.CurrentStagePosition)
	if sp == nil {
		return nil
	}
	if sp.Status != StageStatusInProgress && sp.Status != StageStatusBlocked {
		return nil
	}
	return sp
}

// StageProgress is the per-instance runtime state of one snapshotted stage.
// The template stage fields are copied at instance creation so template edits
// never reach a running instance.
type StageProgress struct {
	ID              string      `json:"id"`
	InstanceID      string      `json:"instance_id"`
	TemplateStageID string      `json:"template_stage_id"`
	Position        int         `json:"position"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Type            StageType   `json:"type"`
	Mandatory       bool        `json:"mandatory"`
	SLAHours        int         `json:"sla_hours"`
	Config          StageConfig `json:"config"`
	Status          StageStatus `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	SLADueAt        *time.Time  `json:"sla_due_at,omitempty"`
	SLABucket       SLABucket   `json:"sla_bucket,omitempty"`
	CompletedBy     string      `json:"completed_by,omitempty"`
	Version         int         `json:"version"`
}

// NextAction is the display projection of what an instance is waiting on.
type NextAction struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	CTA         string `json:"cta"`
	CTAURL      string `json:"cta_url,omitempty"`
}

// SLABucket is a coarse time-remaining classification.
type SLABucket string

// SLA buckets.
const (
	SLAOverdue    SLABucket = "overdue"
	SLADueLt24h   SLABucket = "due_lt_24h"
	SLADue24To72h SLABucket = "due_24_72h"
	SLADueGt72h   SLABucket = "due_gt_72h"
	SLAOnTrack    SLABucket = "on_track"
)

// SLABuckets lists every bucket in reporting order.
var SLABuckets = []SLABucket{SLAOverdue, SLADueLt24h, SLADue24To72h, SLADueGt72h, SLAOnTrack}

// JourneyEvent records an entry in an instance's audit trail.
type JourneyEvent struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instance_id"`
	StageProgressID string         `json:"stage_progress_id,omitempty"`
	Event           string         `json:"event"`
	ActorID         string         `json:"actor_id"`
	Data            map[string]any `json:"data,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Audit trail event names.
const (
	EventInstanceStarted   = "instance_started"
	EventStageStarted      = "stage_started"
	EventStageCompleted    = "stage_completed"
	EventStageSkipped      = "stage_skipped"
	EventStageBlocked      = "stage_blocked"
	EventStageUnblocked    = "stage_unblocked"
	EventBillingRuleFired  = "billing_rule_fired"
	EventBillingRuleFailed = "billing_rule_failed"
	EventInstanceCompleted = "instance_completed"
	EventInstancePaused    = "instance_paused"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCancelled = "instance_cancelled"
)

// InstanceFilters are optional filters for listing journey instances.
type InstanceFilters struct {
	TemplateID  string
	TemplateIDs []string
	ClientID    string
	MatterID    string
	Owner       string
	Status      InstanceStatus
	StartedFrom *time.Time
	StartedTo   *time.Time
	Limit       int
	Offset      int
}

// SLAReport aggregates live stage SLA buckets for dashboards.
type SLAReport struct {
	Niche         string            `json:"niche,omitempty"`
	From          *time.Time        `json:"from,omitempty"`
	To            *time.Time        `json:"to,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Instances     int               `json:"instances"`
	Buckets       map[SLABucket]int `json:"buckets"`
	OverdueStages []OverdueStage    `json:"overdue_stages"`
}

// OverdueStage identifies one stage past its SLA due time.
type OverdueStage struct {
	InstanceID      string    `json:"instance_id"`
	StageProgressID string    `json:"stage_progress_id"`
	ClientID        string    `json:"client_id"`
	Owner           string    `json:"owner"`
	Title           string    `json:"title"`
	SLADueAt        time.Time `json:"sla_due_at"`
}
