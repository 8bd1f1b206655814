package model

import "time"

// Money is an amount in minor currency units (centavos).
type Money int64

// PlanStatus is the lifecycle state of a payment plan.
type PlanStatus string

// Payment plan statuses.
const (
	PlanStatusAtivo        PlanStatus = "ativo"
	PlanStatusPausado      PlanStatus = "pausado"
	PlanStatusConcluido    PlanStatus = "concluido"
	PlanStatusInadimplente PlanStatus = "inadimplente"
)

// Valid reports whether s is a known plan status.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusAtivo, PlanStatusPausado, PlanStatusConcluido, PlanStatusInadimplente:
		return true
	}
	return false
}

// InstallmentStatus is the lifecycle state of an installment.
type InstallmentStatus string

// Installment statuses.
const (
	InstallmentPendente  InstallmentStatus = "pendente"
	InstallmentVencida   InstallmentStatus = "vencida"
	InstallmentPaga      InstallmentStatus = "paga"
	InstallmentCancelada InstallmentStatus = "cancelada"
)

// Valid reports whether s is a known installment status.
func (s InstallmentStatus) Valid() bool {
	switch s {
	case InstallmentPendente, InstallmentVencida, InstallmentPaga, InstallmentCancelada:
		return true
	}
	return false
}

// Open reports whether the installment still awaits payment.
func (s InstallmentStatus) Open() bool {
	return s == InstallmentPendente || s == InstallmentVencida
}

// PaymentRule is the billing action a stage payment link performs.
type PaymentRule string

// Payment link rules.
const (
	RuleCreateInstallment   PaymentRule = "create_installment"
	RuleActivateInstallment PaymentRule = "activate_installment"
	RuleSendNotification    PaymentRule = "send_notification"
)

// Valid reports whether r is a known rule.
func (r PaymentRule) Valid() bool {
	switch r {
	case RuleCreateInstallment, RuleActivateInstallment, RuleSendNotification:
		return true
	}
	return false
}

// PaymentPlan groups the installments owed by a client.
type PaymentPlan struct {
	ID                string     `json:"id"`
	ClientID          string     `json:"client_id"`
	JourneyInstanceID string     `json:"journey_instance_id,omitempty"`
	AmountTotal       Money      `json:"amount_total"`
	InstallmentsCount int        `json:"installments_count"`
	Status            PlanStatus `json:"status"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Installment is one payable slice of a plan.
type Installment struct {
	ID                 string            `json:"id"`
	PlanID             string            `json:"plan_id"`
	SequenceNumber     int               `json:"sequence_number"`
	DueDate            time.Time         `json:"due_date"`
	Amount             Money             `json:"amount"`
	Status             InstallmentStatus `json:"status"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	PaymentMethod      string            `json:"payment_method,omitempty"`
	TriggeredByStageID string            `json:"triggered_by_stage_id,omitempty"`
	ActivatedAt        *time.Time        `json:"activated_at,omitempty"`
}

// StagePaymentLink couples a template stage's completion to a billing rule.
// Parameters are pointers so a missing value can be told apart from zero.
type StagePaymentLink struct {
	ID                  string      `json:"id"`
	PlanID              string      `json:"plan_id"`
	StageTemplateID     string      `json:"stage_template_id"`
	Rule                PaymentRule `json:"rule"`
	InstallmentAmount   *Money      `json:"installment_amount,omitempty"`
	DaysAfterCompletion *int        `json:"days_after_completion,omitempty"`
	NotificationTitle   string      `json:"notification_title,omitempty"`
	NotificationMessage string      `json:"notification_message,omitempty"`
}

// LinkFiring marks that a link has fired for an instance.
type LinkFiring struct {
	LinkID          string      `json:"link_id"`
	InstanceID      string      `json:"instance_id"`
	StageProgressID string      `json:"stage_progress_id"`
	Rule            PaymentRule `json:"rule"`
	FiredAt         time.Time   `json:"fired_at"`
}

// PlanDetail is a plan together with its installments and links.
type PlanDetail struct {
	Plan         PaymentPlan        `json:"plan"`
	Installments []Installment      `json:"installments"`
	Links        []StagePaymentLink `json:"links"`
}
