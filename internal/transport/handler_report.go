package transport

import (
	"net/http"

	"github.com/pitabwire/jornada/internal/journey"
)

func handleSLAReport(engine *journey.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := queryTime(r, "from")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		to, err := queryTime(r, "to")
		if err != nil {
			WriteError(w, r, err)
			return
		}

		report, err := engine.SLAReport(r.Context(), journey.SLAReportFilters{
			Niche: r.URL.Query().Get("niche"),
			From:  from,
			To:    to,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
