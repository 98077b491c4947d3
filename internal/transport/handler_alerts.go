package transport

import (
	"net/http"

	"github.com/gestia/tramite/internal/work"
	"github.com/gestia/tramite/model"
)

func handleAlerts(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		alerts, err := engine.Alerts(r.Context(), rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": alerts})
	}
}
