package journey

import (
	"fmt"
	"strings"

	"github.com/pitabwire/jornada/model"
)

// ComputeNextAction projects what an instance is waiting on from its active
// stage's type and config. It returns nil when no stage is active, which is
// the case for completed and cancelled instances.
func ComputeNextAction(inst model.JourneyInstance) *model.NextAction {
	sp := inst.ActiveStage()
	if sp == nil {
		return nil
	}

	if sp.Status == model.StageStatusBlocked {
		return &model.NextAction{
			Title:       "Etapa bloqueada: " + sp.Title,
			Description: "A etapa aguarda desbloqueio antes de prosseguir.",
			CTA:         "Desbloquear etapa",
		}
	}

	cfg := sp.Config
	na := model.NextAction{Title: sp.Title, Description: sp.Description}

	switch sp.Type {
	case model.StageTypeDocumentRequest:
		na.CTA = "Enviar documentos"
		if len(cfg.Documents) > 0 {
			na.Description = "Documentos pendentes: " + strings.Join(cfg.Documents, ", ")
		}
	case model.StageTypeTask:
		na.CTA = "Concluir tarefa"
		if len(cfg.Checklist) > 0 {
			na.Description = fmt.Sprintf("%d itens no checklist: %s", len(cfg.Checklist), strings.Join(cfg.Checklist, "; "))
		}
	case model.StageTypeMeeting:
		na.CTA = "Agendar reunião"
		if where := meetingDetails(cfg); where != "" {
			na.Description = where
		}
	case model.StageTypeNotification:
		na.CTA = "Enviar comunicado"
		if cfg.Message != "" {
			na.Description = cfg.Message
		}
	case model.StageTypeManualReview:
		na.CTA = "Revisar"
		if cfg.Reviewer != "" {
			na.Description = "Revisão por " + cfg.Reviewer
		}
	case model.StageTypeSignature:
		na.CTA = "Coletar assinatura"
	}

	if cfg.Instructions != "" && na.Description == "" {
		na.Description = cfg.Instructions
	}
	if cfg.CTALabel != "" {
		na.CTA = cfg.CTALabel
	}
	na.CTAURL = cfg.CTAURL
	return &na
}

func meetingDetails(cfg model.StageConfig) string {
	switch {
	case cfg.Location != "" && cfg.Duration != "":
		return fmt.Sprintf("Local: %s (%s)", cfg.Location, cfg.Duration)
	case cfg.Location != "":
		return "Local: " + cfg.Location
	case cfg.Duration != "":
		return "Duração: " + cfg.Duration
	}
	return ""
}
