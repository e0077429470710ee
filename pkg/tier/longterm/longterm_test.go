package longterm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/memory/memorytest"
)

var testStorage = memory.MustStorageConfig(memory.StorageSettings{
	Environment: memory.EnvProd,
	Namespace:   "agents",
})

func newAdapter(t *testing.T, clock *memorytest.Clock) *ChromemAdapter {
	t.Helper()
	a, err := Open(Config{}, testStorage, HashEmbedder(64), WithClock(clock.Now))
	require.NoError(t, err)
	return a
}

func TestChromemAdapterSuite(t *testing.T) {
	suite := &memorytest.AdapterSuite{
		SemanticOnly: true,
		New: func(t *testing.T, clock *memorytest.Clock) memory.TierAdapter {
			return newAdapter(t, clock)
		},
	}
	suite.RunAll(t)
}

func TestHashEmbedder(t *testing.T) {
	embed := HashEmbedder(32)
	ctx := context.Background()

	a, err := embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	require.Len(t, a, 32)

	again, err := embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, a, again, "deterministic")

	var norm float32
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	empty, err := embed(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), empty[0])
}

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EmbedderConfig
		wantErr bool
	}{
		{name: "default is hash", cfg: EmbedderConfig{}},
		{name: "hash with dimensions", cfg: EmbedderConfig{Provider: ProviderHash, Dimensions: 16}},
		{name: "ollama", cfg: EmbedderConfig{Provider: ProviderOllama, Model: "nomic-embed-text"}},
		{name: "ollama without model", cfg: EmbedderConfig{Provider: ProviderOllama}, wantErr: true},
		{name: "openai", cfg: EmbedderConfig{Provider: ProviderOpenAI, APIKey: "sk-test"}},
		{name: "openai without key", cfg: EmbedderConfig{Provider: ProviderOpenAI}, wantErr: true},
		{name: "compat", cfg: EmbedderConfig{Provider: ProviderOpenAICompat, Model: "m", BaseURL: "http://localhost:8080/v1"}},
		{name: "compat without base url", cfg: EmbedderConfig{Provider: ProviderOpenAICompat, Model: "m"}, wantErr: true},
		{name: "unknown", cfg: EmbedderConfig{Provider: "word2vec"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embed, err := NewEmbedder(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, memory.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, embed)
		})
	}
}

func TestChromemAdapter_SemanticRanking(t *testing.T) {
	clock := memorytest.NewClock(memorytest.Epoch)
	a := newAdapter(t, clock)
	defer a.Close()
	ctx := context.Background()

	for id, content := range map[string]string{
		"k1": "the user prefers dark roast coffee in the morning",
		"k2": "deployment runs every friday afternoon",
		"k3": "coffee order is a dark roast with oat milk",
	} {
		_, err := a.Store(ctx, memorytest.NewItem(id, "owner", memory.TypeFact, content))
		require.NoError(t, err)
	}

	results, err := a.Query(ctx, memory.Query{Text: "dark roast coffee", TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, []string{"k1", "k3"}, r.Item.ID)
		assert.Equal(t, memory.TierLong, r.Tier)
		assert.NotEmpty(t, r.Item.Embedding)
	}
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestChromemAdapter_MinSimilarity(t *testing.T) {
	clock := memorytest.NewClock(memorytest.Epoch)
	a := newAdapter(t, clock)
	defer a.Close()
	ctx := context.Background()

	_, err := a.Store(ctx, memorytest.NewItem("near", "owner", memory.TypeFact, "alpha beta gamma"))
	require.NoError(t, err)
	_, err = a.Store(ctx, memorytest.NewItem("far", "owner", memory.TypeFact, "unrelated words entirely"))
	require.NoError(t, err)

	results, err := a.Query(ctx, memory.Query{Text: "alpha beta gamma", MinSimilarity: 0.99})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].Item.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-4)
}

func TestChromemAdapter_ExplicitEmbedding(t *testing.T) {
	clock := memorytest.NewClock(memorytest.Epoch)
	a := newAdapter(t, clock)
	defer a.Close()
	ctx := context.Background()

	vec := make([]float32, 64)
	vec[3] = 1
	it := memorytest.NewItem("vec", "owner", memory.TypeFact, "")
	it.Embedding = vec
	_, err := a.Store(ctx, it)
	require.NoError(t, err)

	results, err := a.Query(ctx, memory.Query{Embedding: vec})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vec", results[0].Item.ID)

	_, err = a.Query(ctx, memory.Query{Embedding: []float32{1, 0}})
	assert.ErrorIs(t, err, memory.ErrInvalidQuery)
}

func TestChromemAdapter_TypeChangeMovesCollection(t *testing.T) {
	clock := memorytest.NewClock(memorytest.Epoch)
	a := newAdapter(t, clock)
	defer a.Close()
	ctx := context.Background()

	_, err := a.Store(ctx, memorytest.NewItem("m", "owner", memory.TypeConversation, "summary of a chat"))
	require.NoError(t, err)
	_, err = a.Store(ctx, memorytest.NewItem("m", "owner", memory.TypeFact, "summary of a chat"))
	require.NoError(t, err)

	assert.Equal(t, 0, a.collections[memory.TypeConversation].Count())
	assert.Equal(t, 1, a.collections[memory.TypeFact].Count())
}

func TestChromemAdapter_EmbedderFailure(t *testing.T) {
	failing := func(context.Context, string) ([]float32, error) {
		return nil, errors.New("model offline")
	}
	a, err := Open(Config{}, testStorage, failing)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Store(context.Background(), memorytest.NewItem("x", "owner", memory.TypeFact, "text"))
	assert.ErrorContains(t, err, "model offline")
}

func TestChromemAdapter_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := Open(Config{Path: dir}, testStorage, HashEmbedder(32))
	require.NoError(t, err)
	_, err = a.Store(ctx, memorytest.NewItem("keep", "owner", memory.TypeFact, "durable knowledge"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(Config{Path: dir}, testStorage, HashEmbedder(32))
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Peek(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "durable knowledge", got.Content)
	assert.Equal(t, memory.TierLong, got.Tier)
}

func TestOpen_RequiresEmbedder(t *testing.T) {
	_, err := Open(Config{}, testStorage, nil)
	assert.ErrorIs(t, err, memory.ErrConfiguration)
}
