package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/jornada/internal/catalog"
)

func handleTemplateCreate(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in catalog.TemplateInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}

		tpl, err := cat.CreateTemplate(r.Context(), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, tpl)
	}
}

func handleTemplateList(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates, err := cat.ListTemplates(r.Context(), r.URL.Query().Get("niche"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": templates})
	}
}

func handleTemplateGet(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, err := cat.GetTemplate(r.Context(), chi.URLParam(r, "templateId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateUpdate(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in catalog.TemplateInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, r, err)
			return
		}

		tpl, err := cat.UpdateTemplate(r.Context(), chi.URLParam(r, "templateId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateDuplicate(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, err := cat.DuplicateTemplate(r.Context(), chi.URLParam(r, "templateId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, tpl)
	}
}
