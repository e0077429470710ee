package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/memory/memorytest"
	"github.com/orchestra/tiermem/pkg/privacy"
	"github.com/orchestra/tiermem/pkg/tier/longterm"
	"github.com/orchestra/tiermem/pkg/tier/midterm"
	"github.com/orchestra/tiermem/pkg/tier/shortterm"
)

var errRefused = errors.New("connection refused")

// flaky fails pings and queries while down is set.
type flaky struct {
	memory.TierAdapter
	down *atomic.Bool
}

func (f *flaky) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errRefused
	}
	return f.TierAdapter.Ping(ctx)
}

func (f *flaky) Query(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	if f.down.Load() {
		return nil, errRefused
	}
	return f.TierAdapter.Query(ctx, q)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Publish(eventType string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type harness struct {
	facade   *Facade
	clock    *memorytest.Clock
	mid      memory.TierAdapter
	long     memory.TierAdapter
	longDown *atomic.Bool
	sink     *recordingSink
}

type harnessConfig struct {
	enforce    bool
	devNotes   bool
	longBroken bool
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	storage := memory.MustStorageConfig(memory.StorageSettings{
		Environment:    memory.EnvDev,
		Namespace:      "agents",
		EnforcePrivacy: hc.enforce,
		EnableDevNotes: hc.devNotes,
	})
	h := &harness{
		clock:    memorytest.NewClock(memorytest.Epoch),
		longDown: &atomic.Bool{},
		sink:     &recordingSink{},
	}

	builders := map[memory.Tier]Builder{
		memory.TierShort: func(context.Context) (memory.TierAdapter, error) {
			return shortterm.NewCacheAdapter(shortterm.WithClock(h.clock.Now)), nil
		},
		memory.TierMid: func(context.Context) (memory.TierAdapter, error) {
			a, err := midterm.OpenBadger(midterm.BadgerConfig{InMemory: true}, storage, midterm.WithClock(h.clock.Now))
			if err != nil {
				return nil, err
			}
			h.mid = a
			return a, nil
		},
		memory.TierLong: func(context.Context) (memory.TierAdapter, error) {
			if hc.longBroken {
				return nil, errRefused
			}
			a, err := longterm.Open(longterm.Config{}, storage, longterm.HashEmbedder(64), longterm.WithClock(h.clock.Now))
			if err != nil {
				return nil, err
			}
			h.long = a
			return &flaky{TierAdapter: a, down: h.longDown}, nil
		},
	}

	f, err := NewFactory(storage, builders,
		WithClock(h.clock.Now),
		WithEventSink(h.sink),
	).Create(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	h.facade = f
	return h
}

func TestFactory_RequiresShortTier(t *testing.T) {
	storage := memory.MustStorageConfig(memory.StorageSettings{Environment: memory.EnvDev, Namespace: "agents"})
	_, err := NewFactory(storage, nil).Create(context.Background())
	assert.ErrorIs(t, err, memory.ErrConfiguration)
}

func TestFactory_CreateRecordsStatuses(t *testing.T) {
	h := newHarness(t, harnessConfig{longBroken: true})

	statuses := h.facade.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, StateAvailable, statuses[0].State)
	assert.Equal(t, StateAvailable, statuses[1].State)
	assert.Equal(t, memory.TierLong, statuses[2].Tier)
	assert.Equal(t, StateUnavailable, statuses[2].State)
	assert.Contains(t, statuses[2].Reason, "connection refused")

	_, ok := h.facade.Adapter(memory.TierLong)
	assert.False(t, ok)
}

func TestFactory_DisabledTier(t *testing.T) {
	storage := memory.MustStorageConfig(memory.StorageSettings{Environment: memory.EnvDev, Namespace: "agents"})
	f, err := NewFactory(storage, map[memory.Tier]Builder{
		memory.TierShort: func(context.Context) (memory.TierAdapter, error) {
			return shortterm.NewCacheAdapter(), nil
		},
	}).Create(context.Background())
	require.NoError(t, err)
	defer f.Close()

	statuses := f.Statuses()
	assert.Equal(t, StateDisabled, statuses[1].State)
	assert.Equal(t, StateDisabled, statuses[2].State)

	_, err = f.Retrieve(context.Background(), "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound, "disabled tiers are not unavailable")
}

func TestFacade_StoreAndRetrieve(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	res, err := h.facade.Store(ctx, StoreRequest{
		OwnerID: "agent-1",
		Type:    memory.TypeConversation,
		Content: "hello there",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, memory.TierShort, res.Tier)
	assert.Equal(t, memory.PrivacyStandard, res.Privacy)
	assert.WithinDuration(t, memorytest.Epoch.Add(time.Hour), res.ExpiresAt, 0)

	got, err := h.facade.Retrieve(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello there", got.Content)
	assert.Equal(t, memory.TierShort, got.Tier)
	assert.Contains(t, h.sink.types(), EventItemStored)
}

func TestFacade_StoreCustomTTL(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	res, err := h.facade.Store(context.Background(), StoreRequest{
		OwnerID: "agent-1",
		Type:    memory.TypeFact,
		Content: "short lived",
		TTL:     5 * time.Minute,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, memorytest.Epoch.Add(5*time.Minute), res.ExpiresAt, 0)
}

func TestFacade_StoreRedactsPII(t *testing.T) {
	h := newHarness(t, harnessConfig{enforce: true})
	ctx := context.Background()

	res, err := h.facade.Store(ctx, StoreRequest{
		OwnerID: "agent-1",
		Type:    memory.TypeConversation,
		Content: "email me at a@b.com",
		Privacy: memory.PrivacySensitive,
	})
	require.NoError(t, err)
	assert.True(t, res.Redacted)
	assert.Equal(t, []string{"email"}, res.Detectors)

	got, err := h.facade.Retrieve(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "email me at "+privacy.Placeholder, got.Content)
	assert.Equal(t, memory.PrivacySensitive, got.Privacy)
}

func TestFacade_StoreEscalatesDetectedPII(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	res, err := h.facade.Store(context.Background(), StoreRequest{
		OwnerID: "agent-1",
		Type:    memory.TypeConversation,
		Content: "my ssn is 123-45-6789",
		Privacy: memory.PrivacyPublic,
	})
	require.NoError(t, err)
	assert.Equal(t, memory.PrivacySensitive, res.Privacy)
	assert.False(t, res.Redacted, "redaction needs enforcement")
}

func TestFacade_StoreRejections(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  StoreRequest
		want error
	}{
		{
			name: "embedding from caller",
			req:  StoreRequest{OwnerID: "a", Type: memory.TypeFact, Content: "x", Embedding: []float32{1}},
			want: memory.ErrInvalidItem,
		},
		{
			name: "dev notes disabled",
			req:  StoreRequest{OwnerID: "a", Type: memory.TypeDevNote, Content: "x"},
			want: memory.ErrItemTypeDisabled,
		},
		{
			name: "missing owner",
			req:  StoreRequest{Type: memory.TypeFact, Content: "x"},
			want: memory.ErrInvalidItem,
		},
		{
			name: "negative ttl",
			req:  StoreRequest{OwnerID: "a", Type: memory.TypeFact, Content: "x", TTL: -time.Second},
			want: memory.ErrInvalidItem,
		},
		{
			name: "malformed id",
			req:  StoreRequest{ID: "-bad id", OwnerID: "a", Type: memory.TypeFact, Content: "x"},
			want: memory.ErrInvalidItem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.facade.Store(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFacade_DevNotesWhenEnabled(t *testing.T) {
	h := newHarness(t, harnessConfig{devNotes: true})

	_, err := h.facade.Store(context.Background(), StoreRequest{OwnerID: "a", Type: memory.TypeDevNote, Content: "refactor later"})
	assert.NoError(t, err)
}

func TestFacade_IdempotentStore(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	req := StoreRequest{ID: "turn-1", OwnerID: "agent-1", Type: memory.TypeConversation, Content: "retry me"}
	_, err := h.facade.Store(ctx, req)
	require.NoError(t, err)
	_, err = h.facade.Store(ctx, req)
	require.NoError(t, err)

	out, err := h.facade.Query(ctx, memory.Query{OwnerID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
}

func TestFacade_PrivacyNeverDecreases(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.facade.Store(ctx, StoreRequest{ID: "p", OwnerID: "a", Type: memory.TypeFact, Content: "call 555-123-4567"})
	require.NoError(t, err)
	res, err := h.facade.Store(ctx, StoreRequest{ID: "p", OwnerID: "a", Type: memory.TypeFact, Content: "nothing here", Privacy: memory.PrivacyPublic})
	require.NoError(t, err)
	assert.Equal(t, memory.PrivacySensitive, res.Privacy)

	got, err := h.facade.Retrieve(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, memory.PrivacySensitive, got.Privacy)
}

func TestFacade_StoreConflictsWithPromotedItem(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("old", "agent-1", memory.TypeFact, "promoted earlier"))
	require.NoError(t, err)

	_, err = h.facade.Store(ctx, StoreRequest{ID: "old", OwnerID: "agent-1", Type: memory.TypeFact, Content: "again"})
	assert.ErrorIs(t, err, memory.ErrConflict)
}

func TestFacade_TTLExpiry(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	res, err := h.facade.Store(ctx, StoreRequest{OwnerID: "a", Type: memory.TypeConversation, Content: "fleeting"})
	require.NoError(t, err)

	h.clock.Advance(61 * time.Minute)
	_, err = h.facade.Retrieve(ctx, res.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestFacade_RetrieveFallsThroughTiers(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("m1", "agent-1", memory.TypeFact, "in mid"))
	require.NoError(t, err)
	_, err = h.long.Store(ctx, memorytest.NewItem("l1", "agent-1", memory.TypeFact, "in long"))
	require.NoError(t, err)

	got, err := h.facade.Retrieve(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, memory.TierMid, got.Tier)

	got, err = h.facade.Retrieve(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, memory.TierLong, got.Tier)
	assert.NotEmpty(t, got.Embedding)
}

func TestFacade_RetrieveReportsUnavailableTier(t *testing.T) {
	h := newHarness(t, harnessConfig{longBroken: true})

	_, err := h.facade.Retrieve(context.Background(), "nowhere")
	assert.ErrorIs(t, err, memory.ErrTierUnavailable)
}

func TestFacade_QueryDedupesByTierPrecedence(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("dup", "agent-1", memory.TypeFact, "alpha stale copy"))
	require.NoError(t, err)
	short, ok := h.facade.Adapter(memory.TierShort)
	require.True(t, ok)
	_, err = short.Store(ctx, memorytest.NewItem("dup", "agent-1", memory.TypeFact, "alpha fresh copy"))
	require.NoError(t, err)

	out, err := h.facade.Query(ctx, memory.Query{OwnerID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, memory.TierShort, out.Results[0].Tier)
	assert.Equal(t, "alpha fresh copy", out.Results[0].Item.Content)

	assert.Empty(t, out.Warnings)
}

func TestFacade_SemanticQuerySkipsShortTier(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.facade.Store(ctx, StoreRequest{OwnerID: "agent-1", Type: memory.TypeFact, Content: "alpha launch is monday"})
	require.NoError(t, err)

	out, err := h.facade.Query(ctx, memory.Query{OwnerID: "agent-1", Text: "alpha launch"})
	require.NoError(t, err)
	assert.Empty(t, out.Results)

	out, err = h.facade.Query(ctx, memory.Query{OwnerID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, memory.TierShort, out.Results[0].Tier)
}

func TestFacade_SemanticQueryUsesLongTier(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.long.Store(ctx, memorytest.NewItem("k1", "agent-1", memory.TypeFact, "the deploy window is friday"))
	require.NoError(t, err)

	out, err := h.facade.Query(ctx, memory.Query{Text: "deploy window friday", Tiers: []memory.Tier{memory.TierLong}})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, memory.TierLong, out.Results[0].Tier)

	_, err = h.facade.Query(ctx, memory.Query{OwnerID: "agent-1", Tiers: []memory.Tier{memory.TierLong}})
	assert.ErrorIs(t, err, memory.ErrSemanticQueryRequired)
}

func TestFacade_SemanticFallbackWhenLongUnavailable(t *testing.T) {
	h := newHarness(t, harnessConfig{longBroken: true})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("m1", "agent-1", memory.TypeFact, "alpha beta release notes"))
	require.NoError(t, err)

	out, err := h.facade.Query(ctx, memory.Query{Text: "alpha release"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, memory.TierMid, out.Results[0].Tier)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "long_term")
}

func TestFacade_SemanticFallbackWhenLongFailsMidQuery(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("m1", "agent-1", memory.TypeFact, "owned by agent one"))
	require.NoError(t, err)
	h.longDown.Store(true)

	out, err := h.facade.Query(ctx, memory.Query{OwnerID: "agent-1", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "m1", out.Results[0].Item.ID)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "structured filtering")
}

func TestFacade_Append(t *testing.T) {
	h := newHarness(t, harnessConfig{enforce: true})
	ctx := context.Background()

	res, err := h.facade.Store(ctx, StoreRequest{OwnerID: "a", Type: memory.TypeConversation, Content: "user: hi"})
	require.NoError(t, err)

	updated, err := h.facade.Append(ctx, res.ID, "user: reach me at a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "user: hi\nuser: reach me at "+privacy.Placeholder, updated.Content)
	assert.Equal(t, memory.PrivacySensitive, updated.Privacy)
	assert.True(t, updated.Redacted)

	got, err := h.facade.Retrieve(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Content, got.Content)
	assert.WithinDuration(t, res.ExpiresAt, got.ExpiresAt, 0, "append keeps the deadline")
}

func TestFacade_AppendToPromotedItem(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("old", "a", memory.TypeConversation, "settled"))
	require.NoError(t, err)

	_, err = h.facade.Append(ctx, "old", "more")
	assert.ErrorIs(t, err, memory.ErrNotMutable)

	_, err = h.facade.Append(ctx, "never", "more")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestFacade_DeleteAcrossTiers(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.mid.Store(ctx, memorytest.NewItem("d1", "a", memory.TypeFact, "in mid"))
	require.NoError(t, err)

	removed, err := h.facade.Delete(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = h.facade.Delete(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Contains(t, h.sink.types(), EventItemDeleted)
}

func TestFacade_ForgetOwner(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.facade.Store(ctx, StoreRequest{OwnerID: "leaver", Type: memory.TypeConversation, Content: "short"})
	require.NoError(t, err)
	_, err = h.mid.Store(ctx, memorytest.NewItem("m", "leaver", memory.TypeFact, "mid"))
	require.NoError(t, err)
	_, err = h.long.Store(ctx, memorytest.NewItem("l", "leaver", memory.TypeFact, "long"))
	require.NoError(t, err)
	_, err = h.facade.Store(ctx, StoreRequest{OwnerID: "stayer", Type: memory.TypeConversation, Content: "keep"})
	require.NoError(t, err)

	n, err := h.facade.ForgetOwner(ctx, "leaver")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, err := h.facade.Query(ctx, memory.Query{})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "stayer", out.Results[0].Item.OwnerID)

	_, err = h.facade.ForgetOwner(ctx, " ")
	assert.ErrorIs(t, err, memory.ErrInvalidItem)
}

func TestFacade_HealthCheckReevaluates(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	h.longDown.Store(true)
	statuses := h.facade.HealthCheck(ctx)
	assert.Equal(t, StateUnavailable, statuses[2].State)

	h.longDown.Store(false)
	statuses = h.facade.HealthCheck(ctx)
	assert.Equal(t, StateAvailable, statuses[2].State)
	_, ok := h.facade.Adapter(memory.TierLong)
	assert.True(t, ok)

	changes := 0
	for _, typ := range h.sink.types() {
		if typ == EventTierStatusChanged {
			changes++
		}
	}
	assert.Equal(t, 2, changes)
}

func TestFacade_StoreFailsWhenShortTierDown(t *testing.T) {
	storage := memory.MustStorageConfig(memory.StorageSettings{Environment: memory.EnvDev, Namespace: "agents"})
	f, err := NewFactory(storage, map[memory.Tier]Builder{
		memory.TierShort: func(context.Context) (memory.TierAdapter, error) {
			return nil, errRefused
		},
	}).Create(context.Background())
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Store(context.Background(), StoreRequest{OwnerID: "a", Type: memory.TypeFact, Content: "x"})
	assert.ErrorIs(t, err, memory.ErrTierUnavailable)
}

func TestDedupe(t *testing.T) {
	item := func(id string) *memory.Item { return &memory.Item{ID: id} }
	results := []memory.Result{
		{Item: item("a"), Tier: memory.TierLong},
		{Item: item("b"), Tier: memory.TierMid},
		{Item: item("a"), Tier: memory.TierShort},
		{Item: item("a"), Tier: memory.TierMid},
	}

	out := dedupe(results)
	require.Len(t, out, 2)
	assert.Equal(t, memory.TierShort, out[0].Tier)
	assert.Equal(t, "b", out[1].Item.ID)
}
