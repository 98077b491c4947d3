package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gestia/tramite/internal/procedure"
	"github.com/gestia/tramite/model"
)

func handleTemplateCreate(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var t model.ProcedureTemplate
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		created, err := svc.CreateTemplate(r.Context(), rctx, t)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleTemplateGet(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}
		t, err := svc.GetTemplate(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func handleTemplateUpdate(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}

		var body struct {
			model.ProcedureTemplate
			ChangeNote string `json:"change_note,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		body.ID = id

		updated, err := svc.UpdateTemplate(r.Context(), rctx, body.ProcedureTemplate, body.ChangeNote)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleTemplateDelete(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}
		if err := svc.DeleteTemplate(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleTemplateList(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := procedure.TemplateFilters{
			Category: r.URL.Query().Get("category"),
			Level:    r.URL.Query().Get("level"),
			Status:   r.URL.Query().Get("status"),
		}
		templates, err := svc.ListTemplates(r.Context(), f)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": templates})
	}
}

func handleTemplateNewVersion(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}

		var body struct {
			Note string `json:"note,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		t, err := svc.NewVersion(r.Context(), rctx, id, body.Note)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func handleTemplateHistory(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}
		entries, err := svc.History(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func handleTemplateChain(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}

		chain, err := svc.Chain(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		isStart, err := svc.IsProcessStart(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		isEnd, err := svc.IsProcessEnd(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"chain":            chain,
			"is_process_start": isStart,
			"is_process_end":   isEnd,
		})
	}
}

func handleStepList(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}
		steps, err := svc.Steps(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": steps})
	}
}

func handleStepAdd(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "templateId")
		if !ok {
			return
		}

		var step model.StepTemplate
		if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		step.TemplateID = id

		created, err := svc.AddStep(r.Context(), rctx, step)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleStepUpdate(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "stepId")
		if !ok {
			return
		}

		var step model.StepTemplate
		if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		step.ID = id

		if err := svc.UpdateStep(r.Context(), rctx, step); err != nil {
			WriteError(w, err)
			return
		}

		updated, err := svc.GetStep(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleStepDelete(svc *procedure.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "stepId")
		if !ok {
			return
		}
		if err := svc.DeleteStep(r.Context(), rctx, id); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// --- helpers ---

// pathID parses an int64 URL parameter, writing a 400 response on failure.
func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, model.NewBadRequestError("invalid "+param))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
