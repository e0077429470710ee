package grpc

import (
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
)

// ServicePrefix prefixes the per-tier health service names.
const ServicePrefix = "tiermem."

// HealthServer publishes tier capability through the standard gRPC health
// service. Each tier is its own service ("tiermem.short_term", ...); the
// empty service name tracks the short-term tier, which every write needs.
type HealthServer struct {
	server *health.Server
}

// NewHealthServer creates a health server reporting NOT_SERVING until the
// first Update.
func NewHealthServer() *HealthServer {
	h := &HealthServer{server: health.NewServer()}
	h.server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// ServiceName returns the health service name for a tier.
func ServiceName(t memory.Tier) string {
	return ServicePrefix + string(t)
}

// Update applies tier statuses. Disabled tiers are not registered.
func (h *HealthServer) Update(statuses []manager.TierStatus) {
	overall := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	for _, s := range statuses {
		if s.State == manager.StateDisabled {
			continue
		}
		st := servingStatus(s.Available())
		h.server.SetServingStatus(ServiceName(s.Tier), st)
		if s.Tier == memory.TierShort {
			overall = st
		}
	}
	h.server.SetServingStatus("", overall)
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// Shutdown marks every service NOT_SERVING ahead of a stop.
func (h *HealthServer) Shutdown() {
	h.server.Shutdown()
}

// Resume resumes the health server
func (h *HealthServer) Resume() {
	h.server.Resume()
}

// GetServer returns the underlying health server for registration
func (h *HealthServer) GetServer() *health.Server {
	return h.server
}
