package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/models"
	"github.com/ternarybob/phishwatch/internal/queue"
	"github.com/ternarybob/phishwatch/internal/services/analyzer"
)

const defaultHistoryLimit = 100

// AnalyzerService is what the HTTP layer needs from the analyzer
type AnalyzerService interface {
	HandleNavigation(ctx context.Context, event models.NavigationEvent) (*models.AnalysisJob, error)
	HandleTeardown(ctx context.Context, contextID int64) error
	NotifyReady(contextID int64) int
	GetResult(contextID int64) *models.ResultRecord
	IsProcessing(contextID int64) bool
	History(limit int) []*models.ResultRecord
	GetStatus() models.Status
	Enable(ctx context.Context) error
	Disable()
	Toggle(ctx context.Context) (bool, error)
}

// AnalyzerHandler exposes navigation intake, queries and analyzer control
type AnalyzerHandler struct {
	service  AnalyzerService
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewAnalyzerHandler creates a new AnalyzerHandler
func NewAnalyzerHandler(service AnalyzerService, logger arbor.ILogger) *AnalyzerHandler {
	return &AnalyzerHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

// ResultResponse is the body of GET /api/results/{id}
type ResultResponse struct {
	ContextID  int64                `json:"context_id"`
	Processing bool                 `json:"processing"`
	Result     *models.ResultRecord `json:"result"`
}

// NavigationHandler handles POST /api/navigation
func (h *AnalyzerHandler) NavigationHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var event models.NavigationEvent
	if err := DecodeJSON(r, h.validate, &event); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.service.HandleNavigation(r.Context(), event)
	if err != nil {
		var admissionErr *queue.AdmissionError
		switch {
		case errors.As(err, &admissionErr):
			WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, analyzer.ErrDisabled):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Int64("context_id", event.Context()).Msg("Navigation intake failed")
			WriteError(w, http.StatusInternalServerError, "navigation intake failed")
		}
		return
	}

	if job == nil {
		WriteJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued":     false,
			"context_id": event.Context(),
			"reason":     "not a main http(s) document",
		})
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued":      true,
		"context_id":  job.ContextID,
		"url":         job.URL,
		"enqueued_at": job.EnqueuedAt,
	})
}

// ContextRoutes handles DELETE /api/contexts/{id} and POST /api/contexts/{id}/ready
func (h *AnalyzerHandler) ContextRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r.URL.Path, "/api/contexts/")
	if len(segments) == 0 || len(segments) > 2 {
		WriteError(w, http.StatusNotFound, "unknown context route")
		return
	}

	contextID, err := ParseContextID(segments[0])
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(segments) == 2 {
		if segments[1] != "ready" {
			WriteError(w, http.StatusNotFound, "unknown context route")
			return
		}
		if !RequireMethod(w, r, "POST") {
			return
		}
		delivered := h.service.NotifyReady(contextID)
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"context_id": contextID,
			"delivered":  delivered,
		})
		return
	}

	if !RequireMethod(w, r, "DELETE") {
		return
	}
	if err := h.service.HandleTeardown(r.Context(), contextID); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteSuccess(w, "context closed")
}

// ResultHandler handles GET /api/results/{id}
func (h *AnalyzerHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	segments := PathSegments(r.URL.Path, "/api/results/")
	if len(segments) != 1 {
		WriteError(w, http.StatusNotFound, "unknown result route")
		return
	}
	contextID, err := ParseContextID(segments[0])
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, ResultResponse{
		ContextID:  contextID,
		Processing: h.service.IsProcessing(contextID),
		Result:     h.service.GetResult(contextID),
	})
}

// HistoryHandler handles GET /api/history?limit=N
func (h *AnalyzerHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	records := h.service.History(QueryInt(r, "limit", defaultHistoryLimit))
	if records == nil {
		records = []*models.ResultRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// StatusHandler handles GET /api/status
func (h *AnalyzerHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.service.GetStatus())
}

// EnableHandler handles POST /api/analyzer/enable
func (h *AnalyzerHandler) EnableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if err := h.service.Enable(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

// DisableHandler handles POST /api/analyzer/disable
func (h *AnalyzerHandler) DisableHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	h.service.Disable()
	WriteJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// ToggleHandler handles POST /api/analyzer/toggle
func (h *AnalyzerHandler) ToggleHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	enabled, err := h.service.Toggle(r.Context())
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}
