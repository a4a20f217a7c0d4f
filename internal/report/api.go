package report

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/types"
)

// Handler provides HTTP handlers for reports
type Handler struct {
	service *Service
}

// NewHandler creates a new report handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the report routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/history", h.History)
	r.Get("/{reportID}", h.Get)

	r.With(auth.RequireRoles(auth.RoleEpidemiologist, auth.RoleLabManager, auth.RoleAdmin)).
		Post("/generate", h.Generate)

	return r
}

// GenerateRequest is the body of POST /reports/generate
type GenerateRequest struct {
	CountyCode string `json:"countyCode"`
	WeekEnding string `json:"weekEnding"`
	ReportType string `json:"reportType"`
}

// Generate creates a new report
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	weekEnding, err := canonical.ParseDate(req.WeekEnding)
	if err != nil {
		writeError(w, errors.Validation("invalid weekEnding", map[string]string{"weekEnding": err.Error()}))
		return
	}

	report, err := h.service.Generate(r.Context(), GenerateCommand{
		County:     req.CountyCode,
		WeekEnding: weekEnding,
		ReportType: canonical.ReportType(req.ReportType),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, report)
}

// History lists past reports
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	filter := HistoryFilter{County: params.Get("countyCode")}

	var err error
	if filter.From, err = optionalDate(params.Get("startDate")); err != nil {
		writeError(w, errors.Validation("invalid startDate", map[string]string{"startDate": err.Error()}))
		return
	}
	if filter.To, err = optionalDate(params.Get("endDate")); err != nil {
		writeError(w, errors.Validation("invalid endDate", map[string]string{"endDate": err.Error()}))
		return
	}
	if filter.Limit, err = optionalInt(params.Get("limit")); err != nil {
		writeError(w, errors.Validation("invalid limit", map[string]string{"limit": err.Error()}))
		return
	}
	if filter.Offset, err = optionalInt(params.Get("offset")); err != nil {
		writeError(w, errors.Validation("invalid offset", map[string]string{"offset": err.Error()}))
		return
	}

	page, err := h.service.History(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Get returns one report
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "reportID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid report ID"))
		return
	}

	report, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return canonical.ParseDate(s)
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
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
