// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/orchestra/tiermem/pkg/api/response"
	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/version"
)

// TierHealth reports and refreshes tier capability.
type TierHealth interface {
	Statuses() []manager.TierStatus
	HealthCheck(ctx context.Context) []manager.TierStatus
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	tiers   TierHealth
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(tiers TierHealth) *HealthHandler {
	return &HealthHandler{
		tiers:   tiers,
		started: time.Now(),
	}
}

type statusResponse struct {
	Status  string               `json:"status"`
	Uptime  string               `json:"uptime"`
	Version map[string]string    `json:"version"`
	Tiers   []manager.TierStatus `json:"tiers"`
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint. The service is ready while the
// short-term tier, which receives every write, is available.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if shortAvailable(h.tiers.Statuses()) {
		response.JSON(w, http.StatusOK, map[string]bool{
			"ready": true,
		})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]bool{
		"ready": false,
	})
}

// Status handles GET /status
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.status(h.tiers.Statuses()))
}

// Refresh handles POST /status/refresh by running a health check now.
func (h *HealthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.status(h.tiers.HealthCheck(r.Context())))
}

func (h *HealthHandler) status(tiers []manager.TierStatus) statusResponse {
	overall := "ok"
	for _, s := range tiers {
		if s.State == manager.StateUnavailable {
			overall = "degraded"
		}
	}
	if !shortAvailable(tiers) {
		overall = "unavailable"
	}
	return statusResponse{
		Status:  overall,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: version.Info(),
		Tiers:   tiers,
	}
}

func shortAvailable(tiers []manager.TierStatus) bool {
	for _, s := range tiers {
		if s.Tier == memory.TierShort {
			return s.Available()
		}
	}
	return false
}
