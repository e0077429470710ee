// Package longterm implements the long-term tier: a vector index over
// consolidated knowledge, queried by semantic similarity.
package longterm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier"
)

// Metadata keys written on every document.
const (
	metaOwner   = "owner_id"
	metaSession = "session_id"
	metaType    = "item_type"
	metaRecord  = "record"
)

// Config holds long-term tier settings.
type Config struct {
	// Path enables on-disk persistence. Empty keeps the index in memory.
	Path     string
	Compress bool
}

// Option configures a ChromemAdapter.
type Option func(*ChromemAdapter)

// WithClock sets the time source.
func WithClock(clock memory.Clock) Option {
	return func(a *ChromemAdapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// ChromemAdapter keeps one chromem collection per location. Each document
// holds the item's content and embedding, with the full item record in its
// metadata. Items have no default deadline.
type ChromemAdapter struct {
	db          *chromem.DB
	embed       Embedder
	clock       memory.Clock
	collections map[memory.ItemType]*chromem.Collection

	// mu serializes read-modify-write sequences and snapshots.
	mu     sync.Mutex
	dims   int
	closed bool
}

// Open creates the adapter and its collections.
func Open(cfg Config, storage memory.StorageConfig, embed Embedder, opts ...Option) (*ChromemAdapter, error) {
	if embed == nil {
		return nil, &memory.ConfigurationError{Field: "tiers.long_term.embedder", Reason: "is required"}
	}
	locations, err := storage.Locations(memory.TierLong)
	if err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	}

	a := &ChromemAdapter{
		db:          db,
		embed:       embed,
		clock:       memory.SystemClock,
		collections: make(map[memory.ItemType]*chromem.Collection, len(locations)),
	}
	for _, opt := range opts {
		opt(a)
	}
	for typ, loc := range locations {
		col, err := db.GetOrCreateCollection(loc, map[string]string{metaType: string(typ)}, embed)
		if err != nil {
			return nil, fmt.Errorf("open collection %s: %w", loc, err)
		}
		a.collections[typ] = col
	}
	return a, nil
}

func (a *ChromemAdapter) Tier() memory.Tier {
	return memory.TierLong
}

func (a *ChromemAdapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("vector store closed")
	}
	return nil
}

func (a *ChromemAdapter) vector(ctx context.Context, text string) ([]float32, error) {
	vec, err := a.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("embed: empty vector")
	}
	return vec, nil
}

func toDocument(it *memory.Item) (chromem.Document, error) {
	record := it.Clone()
	record.Embedding = nil
	data, err := memory.Encode(record)
	if err != nil {
		return chromem.Document{}, err
	}
	return chromem.Document{
		ID:        it.ID,
		Content:   it.Content,
		Embedding: it.Embedding,
		Metadata: map[string]string{
			metaOwner:   it.OwnerID,
			metaSession: it.SessionID,
			metaType:    string(it.Type),
			metaRecord:  string(data),
		},
	}, nil
}

func fromDocument(metadata map[string]string, embedding []float32) (*memory.Item, error) {
	it, err := memory.Decode([]byte(metadata[metaRecord]))
	if err != nil {
		return nil, err
	}
	it.Embedding = append([]float32(nil), embedding...)
	return it, nil
}

// locate finds the collection holding id. Callers hold mu.
func (a *ChromemAdapter) locate(ctx context.Context, id string) (*memory.Item, *chromem.Collection, error) {
	if id == "" {
		return nil, nil, memory.ErrNotFound
	}
	for _, typ := range memory.ItemTypes() {
		col := a.collections[typ]
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		it, err := fromDocument(doc.Metadata, doc.Embedding)
		if err != nil {
			return nil, nil, err
		}
		return it, col, nil
	}
	return nil, nil, memory.ErrNotFound
}

func (a *ChromemAdapter) Store(ctx context.Context, item *memory.Item) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	existing, oldCol, err := a.locate(ctx, item.ID)
	if err != nil && !memory.IsNotFound(err) {
		return "", err
	}
	it, err := tier.Prepare(existing, item, memory.TierLong, now, 0)
	if err != nil {
		return "", err
	}
	if len(it.Embedding) == 0 {
		if it.Embedding, err = a.vector(ctx, it.Content); err != nil {
			return "", err
		}
	}
	a.dims = len(it.Embedding)

	doc, err := toDocument(it)
	if err != nil {
		return "", err
	}
	col := a.collections[it.Type]
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	if oldCol != nil && oldCol != col {
		if err := oldCol.Delete(ctx, nil, nil, it.ID); err != nil {
			return "", fmt.Errorf("drop previous copy: %w", err)
		}
	}
	return it.ID, nil
}

func (a *ChromemAdapter) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	it, col, err := a.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Expired(now) {
		return nil, memory.ErrNotFound
	}

	it.Touch(now)
	doc, err := toDocument(it)
	if err != nil {
		return nil, err
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("record access: %w", err)
	}
	return it, nil
}

func (a *ChromemAdapter) Peek(ctx context.Context, id string) (*memory.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	it, _, err := a.locate(ctx, id)
	return it, err
}

// probe is a query vector matching the stored dimension. Ranking against it
// is irrelevant; it lets a full-collection query enumerate documents.
func (a *ChromemAdapter) probe(ctx context.Context) ([]float32, error) {
	if a.dims == 0 {
		vec, err := a.vector(ctx, "probe")
		if err != nil {
			return nil, err
		}
		a.dims = len(vec)
	}
	vec := make([]float32, a.dims)
	v := float32(1 / math.Sqrt(float64(a.dims)))
	for i := range vec {
		vec[i] = v
	}
	return vec, nil
}

// snapshot copies every stored item.
func (a *ChromemAdapter) snapshot(ctx context.Context) ([]*memory.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var items []*memory.Item
	for _, typ := range memory.ItemTypes() {
		col := a.collections[typ]
		n := col.Count()
		if n == 0 {
			continue
		}
		probe, err := a.probe(ctx)
		if err != nil {
			return nil, err
		}
		docs, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", typ, err)
		}
		for _, doc := range docs {
			it, err := fromDocument(doc.Metadata, doc.Embedding)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}
	return items, nil
}

func (a *ChromemAdapter) Scan(ctx context.Context, fn func(*memory.Item) error) error {
	items, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

// Query ranks by cosine similarity to the query embedding, or to the
// embedding of the query text. Structured-only queries are refused.
func (a *ChromemAdapter) Query(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if !q.Semantic() {
		return nil, memory.ErrSemanticQueryRequired
	}

	query := q.Embedding
	if len(query) == 0 {
		var err error
		if query, err = a.vector(ctx, q.Text); err != nil {
			return nil, err
		}
	}

	where := map[string]string{}
	if q.OwnerID != "" {
		where[metaOwner] = q.OwnerID
	}
	if q.SessionID != "" {
		where[metaSession] = q.SessionID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dims != 0 && len(query) != a.dims {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, index has %d", memory.ErrInvalidQuery, len(query), a.dims)
	}

	now := a.clock()
	var results []memory.Result
	for _, typ := range memory.ItemTypes() {
		if !q.WantsType(typ) {
			continue
		}
		col := a.collections[typ]
		n := col.Count()
		if n == 0 {
			continue
		}
		docs, err := col.QueryEmbedding(ctx, query, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", typ, err)
		}
		for _, doc := range docs {
			score := float64(doc.Similarity)
			if q.MinSimilarity != 0 && score < q.MinSimilarity {
				continue
			}
			it, err := fromDocument(doc.Metadata, doc.Embedding)
			if err != nil {
				return nil, err
			}
			if it.Expired(now) || !q.Matches(it) {
				continue
			}
			results = append(results, memory.Result{Item: it, Score: score, Tier: memory.TierLong})
		}
	}

	memory.SortResults(results, true)
	return memory.Truncate(results, q.ResultLimit()), nil
}

func (a *ChromemAdapter) Delete(ctx context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, col, err := a.locate(ctx, id)
	if memory.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return false, err
	}
	return true, nil
}

func (a *ChromemAdapter) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	items, err := a.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for _, it := range items {
		if it.OwnerID != ownerID {
			continue
		}
		if err := a.collections[it.Type].Delete(ctx, nil, nil, it.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close marks the adapter closed. Persistent stores write through on every
// change, so nothing is flushed here.
func (a *ChromemAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

var _ memory.TierAdapter = (*ChromemAdapter)(nil)
