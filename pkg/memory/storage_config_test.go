package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageConfig(t *testing.T) {
	tests := []struct {
		name     string
		settings StorageSettings
		field    string
	}{
		{"empty environment", StorageSettings{Namespace: "acme"}, "environment"},
		{"blank environment", StorageSettings{Environment: "  ", Namespace: "acme"}, "environment"},
		{"unknown environment", StorageSettings{Environment: "qa", Namespace: "acme"}, "environment"},
		{"empty namespace", StorageSettings{Environment: "dev"}, "namespace"},
		{"namespace with underscore", StorageSettings{Environment: "dev", Namespace: "acme_corp"}, "namespace"},
		{"unknown privacy", StorageSettings{Environment: "dev", Namespace: "acme", DefaultPrivacy: "secret"}, "default_privacy_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStorageConfig(tt.settings)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestStorageConfig_Defaults(t *testing.T) {
	cfg, err := NewStorageConfig(StorageSettings{Environment: "prod", Namespace: "acme"})
	require.NoError(t, err)

	assert.Equal(t, PrivacyStandard, cfg.DefaultPrivacy())
	assert.False(t, cfg.EnforcePrivacy())
	assert.False(t, cfg.DevNotesEnabled())
}

func TestStorageConfig_ResolveLocation(t *testing.T) {
	cfg := MustStorageConfig(StorageSettings{Environment: "staging", Namespace: "acme-42"})

	loc, err := cfg.ResolveLocation(TypeConversation, TierShort)
	require.NoError(t, err)
	assert.Equal(t, "staging_acme-42_short_term_conversation", loc)

	loc, err = cfg.ResolveLocation(TypeFact, TierLong)
	require.NoError(t, err)
	assert.Equal(t, "staging_acme-42_long_term_fact", loc)

	again, err := MustStorageConfig(StorageSettings{Environment: "staging", Namespace: "acme-42"}).ResolveLocation(TypeFact, TierLong)
	require.NoError(t, err)
	assert.Equal(t, loc, again, "equal configs must agree on locations")

	_, err = cfg.ResolveLocation("recipe", TierShort)
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = cfg.ResolveLocation(TypeFact, "warm")
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestStorageConfig_ZeroValueFails(t *testing.T) {
	var cfg StorageConfig

	_, err := cfg.ResolveLocation(TypeFact, TierMid)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = cfg.Keyspace(TierMid)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestStorageConfig_Locations(t *testing.T) {
	cfg := MustStorageConfig(StorageSettings{Environment: "dev", Namespace: "acme"})

	locs, err := cfg.Locations(TierMid)
	require.NoError(t, err)
	assert.Len(t, locs, len(ItemTypes()))

	keyspace, err := cfg.Keyspace(TierMid)
	require.NoError(t, err)
	for _, loc := range locs {
		assert.Contains(t, loc, keyspace+"_")
	}
}

func TestStorageConfig_AcceptsType(t *testing.T) {
	off := MustStorageConfig(StorageSettings{Environment: "dev", Namespace: "acme"})
	on := MustStorageConfig(StorageSettings{Environment: "dev", Namespace: "acme", EnableDevNotes: true})

	assert.NoError(t, off.AcceptsType(TypeConversation))
	assert.ErrorIs(t, off.AcceptsType(TypeDevNote), ErrItemTypeDisabled)
	assert.NoError(t, on.AcceptsType(TypeDevNote))
	assert.ErrorIs(t, on.AcceptsType("blob"), ErrInvalidItem)
}
