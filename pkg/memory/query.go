package memory

import (
	"fmt"
	"sort"
	"time"
)

// Default result sizes.
const (
	DefaultTopK  = 10
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Query is a search request. Structured fields filter; Text or Embedding
// make it a semantic query.
type Query struct {
	IDs       []string       `json:"ids,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Types     []ItemType     `json:"item_types,omitempty"`
	Since     time.Time      `json:"since,omitempty"`
	Until     time.Time      `json:"until,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	Text          string    `json:"text,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	TopK          int       `json:"top_k,omitempty"`
	MinSimilarity float64   `json:"min_similarity,omitempty"`

	// Limit caps the merged result. Zero picks TopK for semantic queries
	// and DefaultLimit otherwise.
	Limit int `json:"limit,omitempty"`

	// Tiers restricts the fan-out. Empty means every relevant tier.
	Tiers []Tier `json:"tiers,omitempty"`
}

// Result is a query hit.
type Result struct {
	Item  *Item   `json:"item"`
	Score float64 `json:"score"`
	Tier  Tier    `json:"tier"`
}

// Semantic reports whether the query asks for similarity ranking.
func (q Query) Semantic() bool {
	return q.Text != "" || len(q.Embedding) > 0
}

// Validate checks the query bounds.
func (q Query) Validate() error {
	if q.TopK < 0 || q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	if q.Limit > MaxLimit || q.TopK > MaxLimit {
		return fmt.Errorf("%w: limit above %d", ErrInvalidQuery, MaxLimit)
	}
	if q.MinSimilarity < -1 || q.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be within [-1, 1]", ErrInvalidQuery)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return fmt.Errorf("%w: until before since", ErrInvalidQuery)
	}
	for _, t := range q.Types {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown item_type %q", ErrInvalidQuery, t)
		}
	}
	for _, t := range q.Tiers {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidQuery, t)
		}
	}
	if err := ValidateMetadata(q.Metadata); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return nil
}

// ResultLimit is the number of results the query asks for.
func (q Query) ResultLimit() int {
	switch {
	case q.Limit > 0:
		return q.Limit
	case q.Semantic() && q.TopK > 0:
		return q.TopK
	case q.Semantic():
		return DefaultTopK
	default:
		return DefaultLimit
	}
}

// NeighborCount is the number of nearest neighbours to request from a
// vector index.
func (q Query) NeighborCount() int {
	if q.TopK > 0 {
		return q.TopK
	}
	return DefaultTopK
}

// WantsTier reports whether tier t is part of the fan-out.
func (q Query) WantsTier(t Tier) bool {
	if len(q.Tiers) == 0 {
		return true
	}
	for _, want := range q.Tiers {
		if want == t {
			return true
		}
	}
	return false
}

// WantsType reports whether items of type t pass the type filter.
func (q Query) WantsType(t ItemType) bool {
	if len(q.Types) == 0 {
		return true
	}
	for _, want := range q.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Matches applies the structured part of the query to an item.
func (q Query) Matches(it *Item) bool {
	if it == nil {
		return false
	}
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if id == it.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.OwnerID != "" && it.OwnerID != q.OwnerID {
		return false
	}
	if q.SessionID != "" && it.SessionID != q.SessionID {
		return false
	}
	if !q.WantsType(it.Type) {
		return false
	}
	if !q.Since.IsZero() && it.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && it.CreatedAt.After(q.Until) {
		return false
	}
	for key, want := range q.Metadata {
		got, ok := it.Metadata[key]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// scalarEqual compares metadata scalars by their printed form, so 3, 3.0 and
// json.Number("3") are equal.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// SortResults orders semantic results by score then recency, and structured
// results by recency. Ties fall back to id for a stable order.
func SortResults(results []Result, semantic bool) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if semantic && a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
}

// Truncate caps results at n.
func Truncate(results []Result, n int) []Result {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}
