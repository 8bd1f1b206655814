package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/internal/journey"
	"github.com/pitabwire/jornada/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func handleJourneyStart(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in journey.StartInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}

		inst, err := engine.StartInstance(r.Context(), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleJourneyList(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, err := queryInt(r, "page", 1)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		pageSize, err := queryInt(r, "page_size", defaultPageSize)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		pageSize = min(pageSize, maxPageSize)

		status := model.InstanceStatus(q.Get("status"))
		if status != "" && !status.Valid() {
			WriteValidationError(w, r, []model.FieldError{{
				Field: "status", Code: "invalid", Message: "unknown instance status " + string(status),
			}})
			return
		}

		filters := model.InstanceFilters{
			TemplateID: q.Get("template_id"),
			ClientID:   q.Get("client_id"),
			MatterID:   q.Get("matter_id"),
			Owner:      q.Get("owner"),
			Status:     status,
			Limit:      pageSize,
			Offset:     (page - 1) * pageSize,
		}

		list, err := engine.ListInstances(r.Context(), filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":      list,
			"page":      page,
			"page_size": pageSize,
		})
	}
}

func handleJourneyGet(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleJourneyHistory(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.History(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleStageAdvance(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Outcome model.StageOutcome `json:"outcome"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.Outcome == "" {
			body.Outcome = model.OutcomeCompleted
		}

		inst, err := engine.AdvanceStage(r.Context(), journey.AdvanceInput{
			InstanceID:      chi.URLParam(r, "instanceId"),
			StageProgressID: chi.URLParam(r, "stageId"),
			Outcome:         body.Outcome,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleStageUnblock(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.UnblockStage(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stageId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// handleJourneyLifecycle serves pause, resume and cancel, which share a
// shape: an instance id in, the updated instance out.
func handleJourneyLifecycle(op func(r *http.Request, instanceID string) (model.JourneyInstance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := op(r, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handlePlanAttach(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in billing.PlanInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}

		detail, err := linker.AttachPaymentPlan(r.Context(), chi.URLParam(r, "instanceId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, detail)
	}
}

func handlePlanByInstance(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := linker.GetPlanByInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}
