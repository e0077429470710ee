package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the memory service.
var (
	ErrNotFound              = errors.New("memory: item not found")
	ErrTierUnavailable       = errors.New("memory: tier unavailable")
	ErrPrivacyViolation      = errors.New("memory: privacy violation")
	ErrConsolidation         = errors.New("memory: consolidation failure")
	ErrConfiguration         = errors.New("memory: invalid configuration")
	ErrInvalidItem           = errors.New("memory: invalid item")
	ErrInvalidQuery          = errors.New("memory: invalid query")
	ErrItemTypeDisabled      = errors.New("memory: item type disabled")
	ErrConflict              = errors.New("memory: item id already resident in another tier")
	ErrNotMutable            = errors.New("memory: item is no longer mutable")
	ErrSemanticQueryRequired = errors.New("memory: tier only serves semantic queries")
)

// ConfigurationError reports an invalid or missing StorageConfig field.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("memory: configuration: %s %s", e.Field, e.Reason)
}

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// TierUnavailableError reports that a tier's backing store could not serve
// an operation in time.
type TierUnavailableError struct {
	Tier Tier
	Op   string
	Err  error
}

func (e *TierUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memory: %s unavailable during %s", e.Tier, e.Op)
	}
	return fmt.Sprintf("memory: %s unavailable during %s: %v", e.Tier, e.Op, e.Err)
}

// Is matches ErrTierUnavailable.
func (e *TierUnavailableError) Is(target error) bool {
	return target == ErrTierUnavailable
}

func (e *TierUnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable builds a TierUnavailableError.
func Unavailable(tier Tier, op string, err error) error {
	return &TierUnavailableError{Tier: tier, Op: op, Err: err}
}

// PrivacyViolationError reports content that could not be safely redacted
// while enforcement is on. Storage is refused.
type PrivacyViolationError struct {
	Detectors []string
	Reason    string
}

func (e *PrivacyViolationError) Error() string {
	if len(e.Detectors) == 0 {
		return "memory: privacy violation: " + e.Reason
	}
	return fmt.Sprintf("memory: privacy violation: %s [%s]", e.Reason, strings.Join(e.Detectors, ","))
}

// Is matches ErrPrivacyViolation.
func (e *PrivacyViolationError) Is(target error) bool {
	return target == ErrPrivacyViolation
}

// ConsolidationError reports a failed promotion or expiry step. The source
// copy of the item is left untouched.
type ConsolidationError struct {
	ItemID string
	From   Tier
	To     Tier
	Stage  string
	Err    error
}

func (e *ConsolidationError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("memory: consolidation of %s in %s failed at %s: %v", e.ItemID, e.From, e.Stage, e.Err)
	}
	return fmt.Sprintf("memory: consolidation of %s from %s to %s failed at %s: %v", e.ItemID, e.From, e.To, e.Stage, e.Err)
}

// Is matches ErrConsolidation.
func (e *ConsolidationError) Is(target error) bool {
	return target == ErrConsolidation
}

func (e *ConsolidationError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the item does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err means a tier could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrTierUnavailable)
}

// IsCallerError reports errors caused by the request rather than by a
// backing store. These never count against a tier's health.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrItemTypeDisabled) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotMutable) ||
		errors.Is(err, ErrPrivacyViolation) ||
		errors.Is(err, ErrSemanticQueryRequired)
}
