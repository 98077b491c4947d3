package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gestia/tramite/internal/work"
	"github.com/gestia/tramite/model"
)

func handleWorkCreate(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var cmd model.CreateWorkCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		detail, err := engine.Create(r.Context(), rctx, cmd)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, detail)
	}
}

func handleWorkList(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.WorkFilters{
			TemplateID: int64(queryInt(r, "template_id", 0)),
			ActorID:    r.URL.Query().Get("actor_id"),
			Status:     r.URL.Query().Get("status"),
			Page:       queryInt(r, "page", 1),
			PageSize:   queryInt(r, "page_size", 20),
		}

		works, totalCount, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        works,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleWorkGet(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "workId")
		if !ok {
			return
		}
		detail, err := engine.Get(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleWorkComplete(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "workId")
		if !ok {
			return
		}

		var body struct {
			Comment string `json:"comment,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		updated, err := engine.Complete(r.Context(), rctx, id, body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleWorkCancel(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "workId")
		if !ok {
			return
		}

		var body struct {
			Comment string `json:"comment,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		updated, err := engine.Cancel(r.Context(), rctx, id, body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleWorkPause(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "workId")
		if !ok {
			return
		}
		updated, err := engine.Pause(r.Context(), rctx, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleWorkResume(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "workId")
		if !ok {
			return
		}
		updated, err := engine.Resume(r.Context(), rctx, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleStepStart(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "stepInstanceId")
		if !ok {
			return
		}
		step, err := engine.StartStep(r.Context(), rctx, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, step)
	}
}

func handleStepComplete(engine *work.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		id, ok := pathID(w, r, "stepInstanceId")
		if !ok {
			return
		}

		var cmd model.CompleteStepCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		detail, err := engine.CompleteStep(r.Context(), rctx, id, cmd)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}
