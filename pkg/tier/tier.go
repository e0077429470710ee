// Package tier holds what the tier adapters share: upsert preparation,
// structured filtering and the Guard that bounds every backing-store call.
package tier

import (
	"fmt"
	"time"

	"github.com/orchestra/tiermem/pkg/memory"
)

// MinPhysicalTTL is the shortest expiry handed to a backing store.
const MinPhysicalTTL = time.Second

// Prepare builds the copy an adapter writes for incoming, folding it onto
// existing when the id is already stored. Items without a deadline get
// now+ttl; a zero ttl keeps them until deleted.
func Prepare(existing, incoming *memory.Item, t memory.Tier, now time.Time, ttl time.Duration) (*memory.Item, error) {
	if incoming == nil || incoming.ID == "" {
		return nil, fmt.Errorf("%w: id is required", memory.ErrInvalidItem)
	}
	if err := incoming.Validate(); err != nil {
		return nil, err
	}

	it := memory.MergeUpsert(existing, incoming)
	it.Tier = t
	if t != memory.TierLong {
		it.Embedding = nil
	}
	if it.Privacy == "" {
		it.Privacy = memory.PrivacyStandard
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	if incoming.ExpiresAt.IsZero() {
		it.ExpiresAt = time.Time{}
		if ttl > 0 {
			it.ExpiresAt = now.Add(ttl)
		}
	}
	return it, nil
}

// PhysicalTTL is the backing-store expiry for it: the logical deadline plus
// grace, so consolidation can still see logically expired items. Zero means
// no physical expiry.
func PhysicalTTL(it *memory.Item, now time.Time, grace time.Duration) time.Duration {
	if it.ExpiresAt.IsZero() {
		return 0
	}
	ttl := it.ExpiresAt.Sub(now) + grace
	if ttl < MinPhysicalTTL {
		ttl = MinPhysicalTTL
	}
	return ttl
}

// Structured filters items by the structured part of q, drops logically
// expired items and orders the rest newest first.
func Structured(q memory.Query, items []*memory.Item, t memory.Tier, now time.Time) []memory.Result {
	results := make([]memory.Result, 0, len(items))
	for _, it := range items {
		if it.Expired(now) || !q.Matches(it) {
			continue
		}
		results = append(results, memory.Result{Item: it, Tier: t})
	}
	memory.SortResults(results, false)
	return memory.Truncate(results, q.ResultLimit())
}

// RankText orders the structured matches of q by BM25 relevance to q.Text.
// Scores are squashed into [0, 1) so they sort alongside cosine similarity.
func RankText(q memory.Query, items []*memory.Item, t memory.Tier, now time.Time) []memory.Result {
	candidates := make([]*memory.Item, 0, len(items))
	for _, it := range items {
		if it.Expired(now) || !q.Matches(it) {
			continue
		}
		candidates = append(candidates, it)
	}

	ranked := memory.RankText(q.Text, candidates)
	for i := range ranked {
		ranked[i].Score = ranked[i].Score / (ranked[i].Score + 1)
		ranked[i].Tier = t
	}
	memory.SortResults(ranked, true)
	return memory.Truncate(ranked, q.ResultLimit())
}

// EmbeddingOnly reports a query that only a vector index can answer.
func EmbeddingOnly(q memory.Query) bool {
	return q.Text == "" && len(q.Embedding) > 0
}
