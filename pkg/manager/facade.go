package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/privacy"
)

type slot struct {
	adapter memory.TierAdapter
	status  TierStatus
}

// Facade is the single entry point over the three tiers. It owns the
// adapters; adapters hold no reference back to it.
type Facade struct {
	factory *Factory
	storage memory.StorageConfig
	filter  *privacy.Filter
	clock   memory.Clock
	log     managerLogger
	sink    EventSink

	// health serializes HealthCheck so a tier is rebuilt at most once.
	health sync.Mutex

	mu     sync.RWMutex
	slots  map[memory.Tier]*slot
	closed bool
}

// StoreRequest is a caller's new memory item.
type StoreRequest struct {
	ID        string              `json:"id,omitempty"`
	OwnerID   string              `json:"owner_id"`
	SessionID string              `json:"session_id,omitempty"`
	Type      memory.ItemType     `json:"item_type"`
	Content   string              `json:"content"`
	Privacy   memory.PrivacyLevel `json:"privacy_level,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`

	// TTL overrides the short-term deadline. Zero uses the default.
	TTL time.Duration `json:"ttl,omitempty"`

	// Embedding is refused: vectors are produced by promotion only.
	Embedding []float32 `json:"embedding,omitempty"`
}

// StoreResult describes what was stored.
type StoreResult struct {
	ID        string              `json:"id"`
	Tier      memory.Tier         `json:"tier"`
	Privacy   memory.PrivacyLevel `json:"privacy_level"`
	Redacted  bool                `json:"redacted"`
	Detectors []string            `json:"detectors,omitempty"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// QueryResult is the merged outcome of a fan-out query.
type QueryResult struct {
	Results []memory.Result `json:"results"`

	// Warnings describe degraded answers, such as a semantic query served
	// by mid-term text ranking because the long-term tier is unavailable.
	Warnings []string `json:"warnings,omitempty"`
}

func (f *Facade) slot(t memory.Tier) (memory.TierAdapter, TierStatus) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.slots[t]
	if !ok {
		return nil, TierStatus{Tier: t, State: StateDisabled}
	}
	return s.adapter, s.status
}

func unavailable(t memory.Tier, op string, status TierStatus) error {
	reason := string(status.State)
	if status.Reason != "" {
		reason = status.Reason
	}
	return memory.Unavailable(t, op, errors.New(reason))
}

// Adapter returns the adapter serving t when the tier is available.
func (f *Facade) Adapter(t memory.Tier) (memory.TierAdapter, bool) {
	a, status := f.slot(t)
	return a, status.Available()
}

// Statuses returns the last known status of every tier in tier order.
func (f *Facade) Statuses() []TierStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]TierStatus, 0, len(f.slots))
	for _, t := range memory.Tiers() {
		if s, ok := f.slots[t]; ok {
			out = append(out, s.status)
		}
	}
	return out
}

// Store classifies and redacts the content, then writes the item to the
// short-term tier. Ids already resident in a longer-lived tier are refused.
func (f *Facade) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if len(req.Embedding) > 0 {
		return StoreResult{}, fmt.Errorf("%w: embeddings are assigned on promotion", memory.ErrInvalidItem)
	}
	if req.TTL < 0 {
		return StoreResult{}, fmt.Errorf("%w: negative ttl", memory.ErrInvalidItem)
	}
	if req.Privacy != "" && !req.Privacy.Valid() {
		return StoreResult{}, fmt.Errorf("%w: unknown privacy_level %q", memory.ErrInvalidItem, req.Privacy)
	}
	if err := f.storage.AcceptsType(req.Type); err != nil {
		return StoreResult{}, err
	}

	now := f.clock()
	it := &memory.Item{
		ID:        req.ID,
		OwnerID:   req.OwnerID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Content:   req.Content,
		Privacy:   req.Privacy,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if it.ID == "" {
		it.ID = memory.NewID()
	}
	if err := it.Validate(); err != nil {
		return StoreResult{}, err
	}

	short, status := f.slot(memory.TierShort)
	if !status.Available() {
		return StoreResult{}, unavailable(memory.TierShort, "store", status)
	}
	if req.ID != "" {
		if err := f.checkResidency(ctx, req.ID); err != nil {
			return StoreResult{}, err
		}
	}

	requested := it.Privacy
	if requested == "" {
		requested = f.storage.DefaultPrivacy()
	}
	applied, err := f.filter.Apply(it.Content, requested)
	if err != nil {
		f.log.Warn("store refused by privacy filter", "owner_id", it.OwnerID, "error", err)
		return StoreResult{}, err
	}
	it.Content = applied.Content
	it.Privacy = applied.Level
	it.Redacted = applied.Redacted

	ttl := req.TTL
	if ttl == 0 {
		ttl = f.factory.shortTTL
	}
	it.ExpiresAt = now.Add(ttl)

	id, err := short.Store(ctx, it)
	if err != nil {
		if req.ID == "" && memory.IsUnavailable(err) {
			f.discard(ctx, short, it.ID)
		}
		return StoreResult{}, err
	}
	if req.ID != "" && f.promotedDuringWrite(ctx, short, id) {
		return StoreResult{}, fmt.Errorf("%w: %s was promoted while being stored", memory.ErrConflict, id)
	}

	stored, err := short.Peek(ctx, id)
	if err != nil {
		// The write succeeded; report what was sent.
		stored = it
	}
	f.sink.Publish(EventItemStored, map[string]any{
		"id":            id,
		"owner_id":      stored.OwnerID,
		"item_type":     stored.Type,
		"tier":          memory.TierShort,
		"privacy_level": stored.Privacy,
		"redacted":      stored.Redacted,
	})
	f.log.Debug("item stored", "id", id, "owner_id", stored.OwnerID, "privacy_level", stored.Privacy)

	return StoreResult{
		ID:        id,
		Tier:      memory.TierShort,
		Privacy:   stored.Privacy,
		Redacted:  stored.Redacted,
		Detectors: applied.Detectors,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

// discard removes a write whose outcome is unknown. Only ids the facade
// generated are discarded; the caller never saw them and cannot clean up.
func (f *Facade) discard(ctx context.Context, short memory.TierAdapter, id string) {
	removed, err := short.Delete(context.WithoutCancel(ctx), id)
	switch {
	case err != nil:
		f.log.Warn("failed store could not be rolled back", "id", id, "error", err)
	case removed:
		f.log.Warn("rolled back store that landed after failing", "id", id)
	}
}

// checkResidency refuses ids held by the mid or long tier. Tiers that cannot
// be reached are skipped with a warning.
func (f *Facade) checkResidency(ctx context.Context, id string) error {
	for _, t := range []memory.Tier{memory.TierMid, memory.TierLong} {
		a, status := f.slot(t)
		if !status.Available() {
			continue
		}
		_, err := a.Peek(ctx, id)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s is in %s", memory.ErrConflict, id, t)
		case memory.IsNotFound(err):
		case memory.IsUnavailable(err):
			f.log.Warn("residency check skipped", "tier", t, "id", id, "error", err)
		default:
			return err
		}
	}
	return nil
}

// Retrieve looks id up short, then mid, then long. The first hit wins.
func (f *Facade) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	var skipped []error
	for _, t := range memory.Tiers() {
		a, status := f.slot(t)
		if status.State == StateDisabled {
			continue
		}
		if !status.Available() {
			skipped = append(skipped, unavailable(t, "retrieve", status))
			continue
		}

		it, err := a.Retrieve(ctx, id)
		switch {
		case err == nil:
			return it, nil
		case memory.IsNotFound(err):
		case memory.IsUnavailable(err):
			skipped = append(skipped, err)
		default:
			return nil, err
		}
	}
	if len(skipped) > 0 {
		return nil, skipped[0]
	}
	return nil, memory.ErrNotFound
}

// Append adds text to a short-term item, such as a new conversation turn.
// The appended text is classified and redacted on its own; the item's
// privacy level can only rise. Items already promoted are immutable.
func (f *Facade) Append(ctx context.Context, id, text string) (*memory.Item, error) {
	short, status := f.slot(memory.TierShort)
	if !status.Available() {
		return nil, unavailable(memory.TierShort, "append", status)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: nothing to append", memory.ErrInvalidItem)
	}

	now := f.clock()
	current, err := short.Peek(ctx, id)
	if err == nil && current.Expired(now) {
		err = memory.ErrNotFound
	}
	if memory.IsNotFound(err) {
		if f.residentElsewhere(ctx, id) {
			return nil, fmt.Errorf("%w: %s", memory.ErrNotMutable, id)
		}
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	applied, err := f.filter.Apply(text, current.Privacy)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	if updated.Content == "" {
		updated.Content = applied.Content
	} else {
		updated.Content += "\n" + applied.Content
	}
	updated.Privacy = memory.MaxPrivacy(current.Privacy, applied.Level)
	updated.Redacted = current.Redacted || applied.Redacted
	updated.UpdatedAt = now

	if _, err := short.Store(ctx, updated); err != nil {
		return nil, err
	}
	if f.promotedDuringWrite(ctx, short, id) {
		return nil, fmt.Errorf("%w: %s was promoted while appending", memory.ErrNotMutable, id)
	}
	return updated, nil
}

// promotedDuringWrite re-checks residency after a short-term write. When
// consolidation moved id while the write was in flight, the short copy is
// removed so the id stays in a single tier.
func (f *Facade) promotedDuringWrite(ctx context.Context, short memory.TierAdapter, id string) bool {
	if !f.residentElsewhere(ctx, id) {
		return false
	}
	if _, err := short.Delete(context.WithoutCancel(ctx), id); err != nil {
		f.log.Warn("short-term copy of promoted item not removed", "id", id, "error", err)
	}
	return true
}

func (f *Facade) residentElsewhere(ctx context.Context, id string) bool {
	for _, t := range []memory.Tier{memory.TierMid, memory.TierLong} {
		a, status := f.slot(t)
		if !status.Available() {
			continue
		}
		if _, err := a.Peek(ctx, id); err == nil {
			return true
		}
	}
	return false
}

type tierAnswer struct {
	tier    memory.Tier
	results []memory.Result
	err     error
}

// Query fans out to every relevant tier concurrently and merges the answers.
// A semantic query whose long tier is unavailable is served from mid-term
// ranking with a warning.
func (f *Facade) Query(ctx context.Context, q memory.Query) (QueryResult, error) {
	if err := q.Validate(); err != nil {
		return QueryResult{}, err
	}
	semantic := q.Semantic()

	var targets []memory.Tier
	for _, t := range memory.Tiers() {
		if !q.WantsTier(t) {
			continue
		}
		// The long tier only answers similarity queries.
		if t == memory.TierLong && !semantic {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		if !semantic && q.WantsTier(memory.TierLong) {
			return QueryResult{}, memory.ErrSemanticQueryRequired
		}
		return QueryResult{Results: []memory.Result{}}, nil
	}

	answers := make([]tierAnswer, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		a, status := f.slot(t)
		if !status.Available() {
			answers[i] = tierAnswer{tier: t, err: unavailable(t, "query", status)}
			continue
		}
		wg.Add(1)
		go func(i int, t memory.Tier, a memory.TierAdapter) {
			defer wg.Done()
			results, err := a.Query(ctx, q)
			answers[i] = tierAnswer{tier: t, results: results, err: err}
		}(i, t, a)
	}
	wg.Wait()

	var (
		out      QueryResult
		merged   []memory.Result
		failures []error
		served   int
		midRan   bool
	)
	longDown := false
	for _, ans := range answers {
		if ans.err != nil {
			if !memory.IsUnavailable(ans.err) {
				return QueryResult{}, ans.err
			}
			failures = append(failures, ans.err)
			if ans.tier == memory.TierLong {
				longDown = true
			} else {
				out.Warnings = append(out.Warnings, fmt.Sprintf("%s tier unavailable; its items are missing from the results", ans.tier))
			}
			continue
		}
		served++
		if ans.tier == memory.TierMid {
			midRan = q.Text != ""
		}
		merged = append(merged, ans.results...)
	}

	if longDown {
		fallback, warning, err := f.fallback(ctx, q, midRan)
		if err != nil {
			failures = append(failures, err)
		} else {
			served++
			merged = append(merged, fallback...)
		}
		out.Warnings = append(out.Warnings, warning)
	}

	if served == 0 && len(failures) > 0 {
		return QueryResult{}, failures[0]
	}

	out.Results = dedupe(merged)
	memory.SortResults(out.Results, semantic)
	out.Results = memory.Truncate(out.Results, q.ResultLimit())
	return out, nil
}

// structured strips the similarity part of q.
func structured(q memory.Query) memory.Query {
	q.Embedding = nil
	q.MinSimilarity = 0
	return q
}

// fallback answers a semantic query from the mid tier after the long tier
// failed. When mid-term text ranking already ran there is nothing to add.
func (f *Facade) fallback(ctx context.Context, q memory.Query, midRan bool) ([]memory.Result, string, error) {
	if midRan {
		return nil, "long_term tier unavailable; semantic results served by mid_term text ranking", nil
	}
	mid, status := f.slot(memory.TierMid)
	if !status.Available() {
		return nil, "long_term tier unavailable and no fallback tier could serve the query", unavailable(memory.TierMid, "query", status)
	}
	results, err := mid.Query(ctx, structured(q))
	if err != nil {
		return nil, "long_term tier unavailable and mid_term fallback failed", err
	}
	if q.Text != "" {
		return results, "long_term tier unavailable; semantic results served by mid_term text ranking", nil
	}
	return results, "long_term tier unavailable; results served by mid_term structured filtering", nil
}

// dedupe keeps one result per id, preferring the shorter-lived tier.
func dedupe(results []memory.Result) []memory.Result {
	best := make(map[string]int, len(results))
	out := make([]memory.Result, 0, len(results))
	for _, r := range results {
		if i, ok := best[r.Item.ID]; ok {
			if r.Tier.Rank() < out[i].Tier.Rank() {
				out[i] = r
			}
			continue
		}
		best[r.Item.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// Delete removes id from every tier. A tier that cannot be reached makes the
// call fail with TierUnavailable after the others were cleared, so the
// caller can retry.
func (f *Facade) Delete(ctx context.Context, id string) (bool, error) {
	removed := false
	var failures []error
	for _, t := range memory.Tiers() {
		a, status := f.slot(t)
		if status.State == StateDisabled {
			continue
		}
		if !status.Available() {
			failures = append(failures, unavailable(t, "delete", status))
			continue
		}
		ok, err := a.Delete(ctx, id)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if ok {
			removed = true
			f.sink.Publish(EventItemDeleted, map[string]any{"id": id, "tier": t})
		}
	}
	if len(failures) > 0 {
		return removed, errors.Join(failures...)
	}
	return removed, nil
}

// ForgetOwner deletes every item of ownerID in every tier.
func (f *Facade) ForgetOwner(ctx context.Context, ownerID string) (int, error) {
	if strings.TrimSpace(ownerID) == "" {
		return 0, fmt.Errorf("%w: owner_id is required", memory.ErrInvalidItem)
	}

	total := 0
	perTier := make(map[memory.Tier]int, 3)
	var failures []error
	for _, t := range memory.Tiers() {
		a, status := f.slot(t)
		if status.State == StateDisabled {
			continue
		}
		if !status.Available() {
			failures = append(failures, unavailable(t, "forget_owner", status))
			continue
		}
		n, err := a.DeleteOwner(ctx, ownerID)
		total += n
		perTier[t] = n
		if err != nil {
			failures = append(failures, err)
		}
	}

	f.sink.Publish(EventOwnerForgotten, map[string]any{"owner_id": ownerID, "removed": total, "tiers": perTier})
	f.log.Info("owner forgotten", "owner_id", ownerID, "removed", total)
	if len(failures) > 0 {
		return total, errors.Join(failures...)
	}
	return total, nil
}

// HealthCheck re-evaluates every configured tier: available tiers are
// pinged, unavailable ones rebuilt. Status changes are published. Concurrent
// calls run one at a time.
func (f *Facade) HealthCheck(ctx context.Context) []TierStatus {
	f.health.Lock()
	defer f.health.Unlock()

	for _, t := range memory.Tiers() {
		f.mu.RLock()
		current, ok := f.slots[t]
		closed := f.closed
		f.mu.RUnlock()
		if !ok || closed {
			break
		}
		before := current.status
		if before.State == StateDisabled {
			continue
		}

		var next *slot
		if before.Available() {
			if err := current.adapter.Ping(ctx); err != nil {
				next = &slot{status: TierStatus{Tier: t, State: StateUnavailable, Reason: fmt.Sprintf("ping: %v", err), CheckedAt: f.clock()}}
			} else {
				next = &slot{adapter: current.adapter, status: TierStatus{Tier: t, State: StateAvailable, CheckedAt: f.clock()}}
			}
		} else {
			next = f.factory.probe(ctx, t)
		}

		if !f.swap(t, current, next) {
			continue
		}
		if current.adapter != nil && current.adapter != next.adapter {
			_ = current.adapter.Close()
		}

		if next.status.State != before.State {
			f.log.Warn("tier status changed", "tier", t, "from", before.State, "to", next.status.State, "reason", next.status.Reason)
			f.sink.Publish(EventTierStatusChanged, map[string]any{
				"tier":   t,
				"from":   before.State,
				"to":     next.status.State,
				"reason": next.status.Reason,
			})
		}
	}
	return f.Statuses()
}

// swap installs next in place of current. When the slot changed meanwhile or
// the facade was closed, next is dropped and its adapter closed.
func (f *Facade) swap(t memory.Tier, current, next *slot) bool {
	f.mu.Lock()
	installed := !f.closed && f.slots[t] == current
	if installed {
		f.slots[t] = next
	}
	f.mu.Unlock()

	if !installed && next.adapter != nil && next.adapter != current.adapter {
		_ = next.adapter.Close()
	}
	return installed
}

// Close releases every adapter.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	var errs []error
	for _, t := range memory.Tiers() {
		s, ok := f.slots[t]
		if !ok || s.adapter == nil {
			continue
		}
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t, err))
		}
		f.slots[t] = &slot{status: TierStatus{Tier: t, State: StateUnavailable, Reason: "closed", CheckedAt: f.clock()}}
	}
	return errors.Join(errs...)
}
