package manager

import (
	"time"

	"github.com/orchestra/tiermem/pkg/memory"
)

// State is the capability of a tier as last determined by the factory or a
// health check.
type State string

const (
	// StateAvailable means the adapter was built and answered its ping.
	StateAvailable State = "available"

	// StateUnavailable means the adapter could not be built or reached.
	StateUnavailable State = "unavailable"

	// StateDisabled means no backend is configured for the tier.
	StateDisabled State = "disabled"
)

// TierStatus records the capability of one tier.
type TierStatus struct {
	Tier      memory.Tier `json:"tier"`
	State     State       `json:"state"`
	Reason    string      `json:"reason,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Available reports whether the tier can serve requests.
func (s TierStatus) Available() bool {
	return s.State == StateAvailable
}

// Event types published to the EventSink.
const (
	EventItemStored        = "item.stored"
	EventItemDeleted       = "item.deleted"
	EventOwnerForgotten    = "owner.forgotten"
	EventTierStatusChanged = "tier.status_changed"
)

// EventSink receives facade events. Implementations must not block.
type EventSink interface {
	Publish(eventType string, payload any)
}

type nopSink struct{}

func (nopSink) Publish(string, any) {}

// managerLogger is the minimal logger interface used by the factory and the
// facade.
type managerLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
