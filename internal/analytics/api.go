package analytics

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
)

// Handler provides HTTP handlers for analytics
type Handler struct {
	engine *Engine
}

// NewHandler creates a new analytics handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes registers the analytics routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/summary", h.Summary)
	r.Get("/export", h.Export)

	return r
}

// Summary returns the analytics snapshot for a window
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := h.engine.ComputeSummary(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// Export returns the snapshot as a downloadable document
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	payload, err := h.engine.Export(r.Context(), format, q)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", payload.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", payload.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(payload.Body)
}

func queryFromRequest(r *http.Request) (Query, error) {
	params := r.URL.Query()

	start, err := canonical.ParseDate(params.Get("startDate"))
	if err != nil {
		return Query{}, errors.Validation("invalid startDate", map[string]string{"startDate": err.Error()})
	}
	end, err := canonical.ParseDate(params.Get("endDate"))
	if err != nil {
		return Query{}, errors.Validation("invalid endDate", map[string]string{"endDate": err.Error()})
	}
	window, err := canonical.NewDateRange(start, end)
	if err != nil {
		return Query{}, errors.Validation("invalid time range", map[string]string{"endDate": err.Error()})
	}

	return Query{County: params.Get("countyCode"), Range: window}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	err = errors.FromContext(err)

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
