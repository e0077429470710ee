package handlers

import (
	"context"
	"net/http"

	"github.com/orchestra/tiermem/pkg/api/middleware"
	"github.com/orchestra/tiermem/pkg/api/response"
	"github.com/orchestra/tiermem/pkg/consolidation"
)

// ConsolidationRunner runs and reports consolidation passes.
type ConsolidationRunner interface {
	RunOnce(ctx context.Context) (*consolidation.Report, error)
	LastReport() *consolidation.Report
}

// ConsolidationHandler triggers consolidation on demand.
type ConsolidationHandler struct {
	runner ConsolidationRunner
	logger handlerLogger
}

// NewConsolidationHandler creates a consolidation handler.
func NewConsolidationHandler(runner ConsolidationRunner, log handlerLogger) *ConsolidationHandler {
	return &ConsolidationHandler{runner: runner, logger: log}
}

// Run handles POST /api/v1/consolidation/run. A run skipped because another
// runner holds the lock answers 202 with the skipped report.
func (h *ConsolidationHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.RunOnce(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "consolidate", err)
		return
	}

	status := http.StatusOK
	if report.Skipped {
		status = http.StatusAccepted
	}
	response.JSON(w, status, report)
}

// Last handles GET /api/v1/consolidation/last
func (h *ConsolidationHandler) Last(w http.ResponseWriter, r *http.Request) {
	report := h.runner.LastReport()
	if report == nil {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "no consolidation run has completed", middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, report)
}
