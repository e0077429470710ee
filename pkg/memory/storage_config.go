package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// Environment names accepted by StorageConfig.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// StorageSettings is the input to NewStorageConfig.
type StorageSettings struct {
	Environment    string
	Namespace      string
	DefaultPrivacy PrivacyLevel
	EnforcePrivacy bool
	EnableDevNotes bool
}

// StorageConfig is the immutable naming and privacy configuration passed
// into every component constructor. Build it with NewStorageConfig.
type StorageConfig struct {
	s StorageSettings
}

// NewStorageConfig validates settings and returns the config value.
func NewStorageConfig(s StorageSettings) (StorageConfig, error) {
	s.Environment = strings.TrimSpace(s.Environment)
	s.Namespace = strings.TrimSpace(s.Namespace)

	switch {
	case s.Environment == "":
		return StorageConfig{}, &ConfigurationError{Field: "environment", Reason: "must not be empty"}
	case s.Environment != EnvDev && s.Environment != EnvStaging && s.Environment != EnvProd:
		return StorageConfig{}, &ConfigurationError{Field: "environment", Reason: fmt.Sprintf("must be dev, staging or prod, got %q", s.Environment)}
	case s.Namespace == "":
		return StorageConfig{}, &ConfigurationError{Field: "namespace", Reason: "must not be empty"}
	case !namespacePattern.MatchString(s.Namespace):
		return StorageConfig{}, &ConfigurationError{Field: "namespace", Reason: fmt.Sprintf("must match %s, got %q", namespacePattern, s.Namespace)}
	}

	if s.DefaultPrivacy == "" {
		s.DefaultPrivacy = PrivacyStandard
	}
	if !s.DefaultPrivacy.Valid() {
		return StorageConfig{}, &ConfigurationError{Field: "default_privacy_level", Reason: fmt.Sprintf("unknown level %q", s.DefaultPrivacy)}
	}

	return StorageConfig{s: s}, nil
}

// MustStorageConfig is NewStorageConfig for static settings; it panics on error.
func MustStorageConfig(s StorageSettings) StorageConfig {
	cfg, err := NewStorageConfig(s)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c StorageConfig) Environment() string          { return c.s.Environment }
func (c StorageConfig) Namespace() string            { return c.s.Namespace }
func (c StorageConfig) DefaultPrivacy() PrivacyLevel { return c.s.DefaultPrivacy }
func (c StorageConfig) EnforcePrivacy() bool         { return c.s.EnforcePrivacy }
func (c StorageConfig) DevNotesEnabled() bool        { return c.s.EnableDevNotes }

// Settings returns a copy of the settings the config was built from.
func (c StorageConfig) Settings() StorageSettings { return c.s }

func (c StorageConfig) check() error {
	if c.s.Environment == "" {
		return &ConfigurationError{Field: "environment", Reason: "must not be empty"}
	}
	if c.s.Namespace == "" {
		return &ConfigurationError{Field: "namespace", Reason: "must not be empty"}
	}
	return nil
}

// ResolveLocation maps an item type and tier to the physical collection or
// keyspace name {environment}_{namespace}_{tier}_{item_type}. Two processes
// with equal configs always agree on the result.
func (c StorageConfig) ResolveLocation(itemType ItemType, tier Tier) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if !tier.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidItem, tier)
	}
	if !itemType.Valid() {
		return "", fmt.Errorf("%w: unknown item_type %q", ErrInvalidItem, itemType)
	}
	return c.s.Environment + "_" + c.s.Namespace + "_" + string(tier) + "_" + string(itemType), nil
}

// Keyspace is the prefix shared by every location of a tier.
func (c StorageConfig) Keyspace(tier Tier) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if !tier.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidItem, tier)
	}
	return c.s.Environment + "_" + c.s.Namespace + "_" + string(tier), nil
}

// Locations resolves every item type of a tier, in ItemTypes order.
func (c StorageConfig) Locations(tier Tier) (map[ItemType]string, error) {
	out := make(map[ItemType]string, len(ItemTypes()))
	for _, t := range ItemTypes() {
		loc, err := c.ResolveLocation(t, tier)
		if err != nil {
			return nil, err
		}
		out[t] = loc
	}
	return out, nil
}

// AcceptsType reports whether items of type t may be stored.
func (c StorageConfig) AcceptsType(t ItemType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown item_type %q", ErrInvalidItem, t)
	}
	if t == TypeDevNote && !c.s.EnableDevNotes {
		return fmt.Errorf("%w: %s", ErrItemTypeDisabled, t)
	}
	return nil
}
