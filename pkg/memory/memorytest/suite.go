package memorytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/tiermem/pkg/memory"
)

// Epoch is the start time of suite clocks.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// AdapterSuite runs the behaviour every tier adapter shares against one
// implementation.
type AdapterSuite struct {
	// New builds a fresh, empty adapter reading time from clock.
	New func(t *testing.T, clock *Clock) memory.TierAdapter

	// DefaultTTL is the lifetime the adapter assigns when an item carries no
	// deadline. Zero means the tier keeps items until deleted.
	DefaultTTL time.Duration

	// SemanticOnly marks tiers that refuse structured-only queries.
	SemanticOnly bool
}

// RunAll runs every test of the suite.
func (s *AdapterSuite) RunAll(t *testing.T) {
	t.Run("StoreRetrieve", s.TestStoreRetrieve)
	t.Run("IdempotentStore", s.TestIdempotentStore)
	t.Run("RetrieveMissing", s.TestRetrieveMissing)
	t.Run("Delete", s.TestDelete)
	t.Run("PeekSkipsBookkeeping", s.TestPeekSkipsBookkeeping)
	t.Run("LogicalExpiry", s.TestLogicalExpiry)
	t.Run("DeleteOwner", s.TestDeleteOwner)
	t.Run("QueryFilters", s.TestQueryFilters)
	t.Run("ConcurrentStores", s.TestConcurrentStores)
}

// NewItem builds a valid item for tests.
func NewItem(id, owner string, typ memory.ItemType, content string) *memory.Item {
	return &memory.Item{
		ID:        id,
		OwnerID:   owner,
		SessionID: "session-" + owner,
		Type:      typ,
		Content:   content,
		Privacy:   memory.PrivacyStandard,
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
		Metadata:  map[string]any{"source": "suite"},
	}
}

func (s *AdapterSuite) setup(t *testing.T) (memory.TierAdapter, *Clock) {
	t.Helper()
	clock := NewClock(Epoch)
	adapter := s.New(t, clock)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter, clock
}

func count(t *testing.T, a memory.TierAdapter) int {
	t.Helper()
	n := 0
	require.NoError(t, a.Scan(context.Background(), func(*memory.Item) error {
		n++
		return nil
	}))
	return n
}

// TestStoreRetrieve stores an item and reads it back.
func (s *AdapterSuite) TestStoreRetrieve(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	id, err := a.Store(ctx, NewItem("item-1", "owner-a", memory.TypeConversation, "remember the milk"))
	require.NoError(t, err)
	assert.Equal(t, "item-1", id)

	got, err := a.Retrieve(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", got.Content)
	assert.Equal(t, "owner-a", got.OwnerID)
	assert.Equal(t, memory.TypeConversation, got.Type)
	assert.Equal(t, a.Tier(), got.Tier)
	assert.WithinDuration(t, Epoch, got.CreatedAt, 0)
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, 1, got.TierAccessCount)
	assert.Equal(t, "suite", fmt.Sprint(got.Metadata["source"]))

	if s.DefaultTTL > 0 {
		assert.WithinDuration(t, Epoch.Add(s.DefaultTTL), got.ExpiresAt, 0)
	}

	again, err := a.Retrieve(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.AccessCount)
}

// TestIdempotentStore stores the same id twice and expects one copy.
func (s *AdapterSuite) TestIdempotentStore(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	it := NewItem("dup", "owner-a", memory.TypeFact, "first version")
	_, err := a.Store(ctx, it)
	require.NoError(t, err)

	it2 := NewItem("dup", "owner-a", memory.TypeFact, "second version")
	_, err = a.Store(ctx, it2)
	require.NoError(t, err)

	assert.Equal(t, 1, count(t, a))
	got, err := a.Peek(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "second version", got.Content)
}

// TestRetrieveMissing expects ErrNotFound for unknown ids.
func (s *AdapterSuite) TestRetrieveMissing(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	_, err := a.Retrieve(ctx, "nope")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = a.Peek(ctx, "nope")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

// TestDelete reports whether something was removed.
func (s *AdapterSuite) TestDelete(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	_, err := a.Store(ctx, NewItem("gone", "owner-a", memory.TypeFact, "short lived"))
	require.NoError(t, err)

	removed, err := a.Delete(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = a.Delete(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = a.Retrieve(ctx, "gone")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

// TestPeekSkipsBookkeeping checks that Peek leaves counters alone.
func (s *AdapterSuite) TestPeekSkipsBookkeeping(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	_, err := a.Store(ctx, NewItem("peek", "owner-a", memory.TypeFact, "quiet read"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := a.Peek(ctx, "peek")
		require.NoError(t, err)
		assert.Equal(t, 0, got.AccessCount)
	}
}

// TestLogicalExpiry hides items past their deadline from Retrieve but keeps
// them visible to Scan and Peek.
func (s *AdapterSuite) TestLogicalExpiry(t *testing.T) {
	if s.DefaultTTL == 0 {
		t.Skip("tier keeps items until deleted")
	}
	a, clock := s.setup(t)
	ctx := context.Background()

	_, err := a.Store(ctx, NewItem("ttl", "owner-a", memory.TypeConversation, "expiring"))
	require.NoError(t, err)

	clock.Advance(s.DefaultTTL - time.Minute)
	_, err = a.Retrieve(ctx, "ttl")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = a.Retrieve(ctx, "ttl")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	got, err := a.Peek(ctx, "ttl")
	require.NoError(t, err)
	assert.True(t, got.Expired(clock.Now()))
	assert.Equal(t, 1, count(t, a))
}

// TestDeleteOwner removes every item of one owner and nothing else.
func (s *AdapterSuite) TestDeleteOwner(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	for i, owner := range []string{"owner-a", "owner-a", "owner-b"} {
		_, err := a.Store(ctx, NewItem(fmt.Sprintf("o-%d", i), owner, memory.TypeFact, "owned content"))
		require.NoError(t, err)
	}

	n, err := a.DeleteOwner(ctx, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, count(t, a))

	_, err = a.Peek(ctx, "o-2")
	assert.NoError(t, err)
}

// TestQueryFilters checks owner and type filtering.
func (s *AdapterSuite) TestQueryFilters(t *testing.T) {
	a, clock := s.setup(t)
	ctx := context.Background()

	items := []*memory.Item{
		NewItem("q-1", "owner-a", memory.TypeConversation, "alpha project kickoff notes"),
		NewItem("q-2", "owner-a", memory.TypeFact, "alpha project deadline is friday"),
		NewItem("q-3", "owner-b", memory.TypeFact, "alpha project budget"),
	}
	for i, it := range items {
		it.CreatedAt = clock.Now().Add(time.Duration(i) * time.Second)
		_, err := a.Store(ctx, it)
		require.NoError(t, err)
	}

	q := memory.Query{OwnerID: "owner-a", Types: []memory.ItemType{memory.TypeFact}}
	if s.SemanticOnly {
		_, err := a.Query(ctx, q)
		assert.ErrorIs(t, err, memory.ErrSemanticQueryRequired)
		q.Text = "alpha project"
	}

	results, err := a.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q-2", results[0].Item.ID)
	assert.Equal(t, a.Tier(), results[0].Tier)

	all, err := a.Query(ctx, memory.Query{OwnerID: "owner-a", Text: textIf(s.SemanticOnly)})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func textIf(semantic bool) string {
	if semantic {
		return "alpha project"
	}
	return ""
}

// TestConcurrentStores writes from several goroutines.
func (s *AdapterSuite) TestConcurrentStores(t *testing.T) {
	a, _ := s.setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Store(ctx, NewItem(fmt.Sprintf("c-%d", i%10), "owner-a", memory.TypeConversation, "concurrent write"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 10, count(t, a))
}
