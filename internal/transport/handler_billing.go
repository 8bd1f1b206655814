package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/jornada/internal/billing"
	"github.com/pitabwire/jornada/model"
)

func handlePlanCreate(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in billing.PlanInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}

		detail, err := linker.CreatePlan(r.Context(), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, detail)
	}
}

func handlePlanGet(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := linker.GetPlan(r.Context(), chi.URLParam(r, "planId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleLinkAdd(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in billing.LinkInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}

		link, err := linker.AddLink(r.Context(), chi.URLParam(r, "planId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, link)
	}
}

func handlePlanStatus(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status model.PlanStatus `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		plan, err := linker.SetPlanStatus(r.Context(), chi.URLParam(r, "planId"), body.Status)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func handleInstallmentPay(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PaymentMethod string `json:"payment_method"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		inst, err := linker.RecordPayment(r.Context(), chi.URLParam(r, "installmentId"), body.PaymentMethod)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstallmentCancel(linker *billing.Linker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := linker.CancelInstallment(r.Context(), chi.URLParam(r, "installmentId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}
