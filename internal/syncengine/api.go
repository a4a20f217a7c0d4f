package syncengine

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/types"
)

// Handler provides HTTP handlers for the sync engine
type Handler struct {
	engine *Engine
}

// NewHandler creates a new sync handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes registers the sync routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)
	r.Get("/cases/{caseID}", h.GetCase)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleEpidemiologist, auth.RoleLabManager, auth.RoleAdmin))

		r.Post("/pull", h.Pull)
		r.Post("/push", h.Push)
		r.Post("/cases/{caseID}/retry", h.RetryCase)
		r.Post("/vectors/push", h.PushVectors)
	})

	return r
}

// PullRequest is the body of POST /sync/pull
type PullRequest struct {
	SourceID  string `json:"sourceId"`
	Region    string `json:"region"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// PushRequest is the body of POST /sync/push
type PushRequest struct {
	DestinationSystem string `json:"destinationSystem"`
	Region            string `json:"region"`
}

// VectorPushRequest is the body of POST /sync/vectors/push
type VectorPushRequest struct {
	DestinationSystem string `json:"destinationSystem"`
	Region            string `json:"region"`
	WeekEnding        string `json:"weekEnding"`
}

// Pull runs a pull for one source and region
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	window, err := parseWindow(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.engine.RunPull(r.Context(), PullCommand{
		SourceID: req.SourceID,
		Region:   req.Region,
		Window:   window,
	})
	if err != nil && result != nil {
		writePartial(w, err, result)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Push submits pending cases for a region
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	result, err := h.engine.RunPush(r.Context(), PushCommand{
		DestinationSystem: req.DestinationSystem,
		Region:            req.Region,
	})
	if err != nil && result != nil {
		writePartial(w, err, result)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetCase returns a case with its status history
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid case ID"))
		return
	}

	view, err := h.engine.GetCase(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// RetryCase resets a failed case to pending
func (h *Handler) RetryCase(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid case ID"))
		return
	}

	c, err := h.engine.RetryCase(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// PushVectors submits a week of vector records
func (h *Handler) PushVectors(w http.ResponseWriter, r *http.Request) {
	var req VectorPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	weekEnding, err := canonical.ParseDate(req.WeekEnding)
	if err != nil {
		writeError(w, errors.Validation("invalid weekEnding", map[string]string{"weekEnding": err.Error()}))
		return
	}

	result, err := h.engine.PushVectorRecords(r.Context(), req.DestinationSystem, req.Region, weekEnding)
	if err != nil && result != nil {
		writePartial(w, err, result)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetStatus returns checkpoints and case counts
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context(), r.URL.Query().Get("region"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func parseWindow(start, end string) (canonical.DateRange, error) {
	s, err := canonical.ParseDate(start)
	if err != nil {
		return canonical.DateRange{}, errors.Validation("invalid startDate", map[string]string{"startDate": err.Error()})
	}
	e, err := canonical.ParseDate(end)
	if err != nil {
		return canonical.DateRange{}, errors.Validation("invalid endDate", map[string]string{"endDate": err.Error()})
	}
	window, err := canonical.NewDateRange(s, e)
	if err != nil {
		return canonical.DateRange{}, errors.Validation("invalid date range", map[string]string{"endDate": err.Error()})
	}
	return window, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	writeJSON(w, status, body)
}

// writePartial reports a failed job together with the work it finished
// before failing, e.g. cases a sink acknowledged before it went down.
func writePartial(w http.ResponseWriter, err error, result any) {
	status, body := errorBody(err)
	body["result"] = result
	writeJSON(w, status, body)
}

func errorBody(err error) (int, map[string]any) {
	err = errors.FromContext(err)

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus, map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		}
	}

	var verr *canonical.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, map[string]any{
			"error":   verr.Error(),
			"code":    "VALIDATION_ERROR",
			"details": map[string]string{verr.Field: verr.Reason},
		}
	}

	return http.StatusInternalServerError, map[string]any{"error": "internal server error"}
}
