package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ItemType tags a memory item and drives routing.
type ItemType string

const (
	TypeConversation ItemType = "conversation"
	TypeDevNote      ItemType = "dev_note"
	TypeFact         ItemType = "fact"
	TypeEmbedding    ItemType = "embedding"
)

// ItemTypes lists every known item type.
func ItemTypes() []ItemType {
	return []ItemType{TypeConversation, TypeDevNote, TypeFact, TypeEmbedding}
}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case TypeConversation, TypeDevNote, TypeFact, TypeEmbedding:
		return true
	}
	return false
}

// Tier is one of the three storage layers.
type Tier string

const (
	TierShort Tier = "short_term"
	TierMid   Tier = "mid_term"
	TierLong  Tier = "long_term"
)

// Tiers returns the tiers in lookup and precedence order.
func Tiers() []Tier {
	return []Tier{TierShort, TierMid, TierLong}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierShort || t == TierMid || t == TierLong
}

// Rank orders tiers short < mid < long. Unknown tiers rank last.
func (t Tier) Rank() int {
	switch t {
	case TierShort:
		return 0
	case TierMid:
		return 1
	case TierLong:
		return 2
	}
	return 3
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidQuery, s)
	}
	return t, nil
}

// PrivacyLevel classifies content sensitivity. public < standard < sensitive.
type PrivacyLevel string

const (
	PrivacyPublic    PrivacyLevel = "public"
	PrivacyStandard  PrivacyLevel = "standard"
	PrivacySensitive PrivacyLevel = "sensitive"
)

// Rank returns the ordering position of the level. Unknown levels rank -1.
func (p PrivacyLevel) Rank() int {
	switch p {
	case PrivacyPublic:
		return 0
	case PrivacyStandard:
		return 1
	case PrivacySensitive:
		return 2
	}
	return -1
}

// Valid reports whether p is a known level.
func (p PrivacyLevel) Valid() bool {
	return p.Rank() >= 0
}

// AtLeast reports whether p is as strict as other.
func (p PrivacyLevel) AtLeast(other PrivacyLevel) bool {
	return p.Rank() >= other.Rank()
}

// MaxPrivacy returns the stricter of the two levels.
func MaxPrivacy(a, b PrivacyLevel) PrivacyLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParsePrivacyLevel parses a level name.
func ParsePrivacyLevel(s string) (PrivacyLevel, error) {
	p := PrivacyLevel(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown privacy level %q", s)
	}
	return p, nil
}

// Item is a single memory item.
type Item struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"owner_id"`
	SessionID string   `json:"session_id,omitempty"`
	Type      ItemType `json:"item_type"`
	Content   string   `json:"content"`

	// Embedding is present only while the item lives in the long-term tier.
	Embedding []float32 `json:"embedding,omitempty"`

	Privacy  PrivacyLevel `json:"privacy_level"`
	Redacted bool         `json:"redacted,omitempty"`
	Tier     Tier         `json:"tier"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// AccessCount counts retrievals over the item's lifetime.
	AccessCount int `json:"access_count"`

	// TierAccessCount counts retrievals since the item entered its current tier.
	TierAccessCount int `json:"tier_access_count"`

	// ExpiresAt is the tier-local logical deadline. Zero means no deadline.
	ExpiresAt time.Time `json:"expires_at"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// NewID returns a new lexically sortable item id.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether id is acceptable as a caller-supplied id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate checks the fields a caller controls.
func (it *Item) Validate() error {
	if it == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidItem)
	}
	if it.ID != "" && !ValidID(it.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidItem, it.ID)
	}
	if strings.TrimSpace(it.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidItem)
	}
	if !it.Type.Valid() {
		return fmt.Errorf("%w: unknown item_type %q", ErrInvalidItem, it.Type)
	}
	if it.Privacy != "" && !it.Privacy.Valid() {
		return fmt.Errorf("%w: unknown privacy_level %q", ErrInvalidItem, it.Privacy)
	}
	if err := ValidateMetadata(it.Metadata); err != nil {
		return err
	}
	return nil
}

// ValidateMetadata rejects non-scalar metadata values.
func ValidateMetadata(md map[string]any) error {
	for key, value := range md {
		if key == "" {
			return fmt.Errorf("%w: empty metadata key", ErrInvalidItem)
		}
		switch value.(type) {
		case nil, string, bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("%w: metadata %q must be a scalar, got %T", ErrInvalidItem, key, value)
		}
	}
	return nil
}

// Expired reports whether the logical deadline has passed at now.
func (it *Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Touch records a retrieval at now.
func (it *Item) Touch(now time.Time) {
	it.LastAccessedAt = now
	it.AccessCount++
	it.TierAccessCount++
}

// EnterTier resets the per-tier bookkeeping for a move into tier.
func (it *Item) EnterTier(tier Tier, deadline time.Time) {
	it.Tier = tier
	it.TierAccessCount = 0
	it.ExpiresAt = deadline
	if tier != TierLong {
		it.Embedding = nil
	}
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	clone := *it
	if it.Embedding != nil {
		clone.Embedding = append([]float32(nil), it.Embedding...)
	}
	if it.Metadata != nil {
		clone.Metadata = make(map[string]any, len(it.Metadata))
		for key, value := range it.Metadata {
			clone.Metadata[key] = value
		}
	}
	return &clone
}

// MergeUpsert folds a re-stored item onto the copy already held by a tier.
// The id keeps its original creation time and counters, and the privacy
// level never decreases.
func MergeUpsert(existing, incoming *Item) *Item {
	merged := incoming.Clone()
	if existing == nil {
		return merged
	}
	merged.CreatedAt = existing.CreatedAt
	merged.AccessCount = existing.AccessCount
	merged.TierAccessCount = existing.TierAccessCount
	merged.LastAccessedAt = existing.LastAccessedAt
	merged.Privacy = MaxPrivacy(existing.Privacy, incoming.Privacy)
	merged.Redacted = existing.Redacted || incoming.Redacted
	return merged
}

// Encode serializes an item for byte-oriented stores.
func Encode(it *Item) ([]byte, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("encode item %s: %w", it.ID, err)
	}
	return data, nil
}

// Decode parses an item written by Encode. Numbers in metadata decode as
// json.Number so integers survive a round trip.
func Decode(data []byte) (*Item, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var it Item
	if err := dec.Decode(&it); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &it, nil
}
