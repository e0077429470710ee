// Package shortterm implements the short-term tier: a capacity-bounded,
// TTL-scoped cache of recent conversation context. RedisAdapter is the
// shared deployment backend; CacheAdapter keeps everything in process.
package shortterm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier"
)

// Defaults for the short-term tier.
const (
	DefaultTTL      = time.Hour
	DefaultCapacity = 10000
)

type adapterLogger interface {
	Debug(msg string, args ...any)
}

type nopAdapterLogger struct{}

func (nopAdapterLogger) Debug(string, ...any) {}

type options struct {
	clock    memory.Clock
	ttl      time.Duration
	capacity int
	grace    time.Duration
	log      adapterLogger
}

// Option configures a short-term adapter.
type Option func(*options)

// WithClock sets the time source.
func WithClock(clock memory.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTTL sets the lifetime of items stored without a deadline.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCapacity bounds the number of resident items.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithExpiryGrace keeps items physically present for d past their logical
// deadline.
func WithExpiryGrace(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithLogger sets the logger for evictions.
func WithLogger(l adapterLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    memory.SystemClock,
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		log:      nopAdapterLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RedisAdapter stores each item as a JSON value under {location}:{id}. An
// id→type hash at {keyspace}:index and an LRU sorted set at {keyspace}:lru
// scored by last access track residency.
type RedisAdapter struct {
	client redis.Cmdable
	closer func() error
	cfg    memory.StorageConfig
	opts   options

	indexKey string
	lruKey   string

	// mu serializes read-modify-write sequences issued by this process.
	mu sync.Mutex
}

// NewRedisAdapter builds an adapter over client.
func NewRedisAdapter(client redis.Cmdable, cfg memory.StorageConfig, opts ...Option) (*RedisAdapter, error) {
	if client == nil {
		return nil, &memory.ConfigurationError{Field: "tiers.short_term.redis", Reason: "client is required"}
	}
	keyspace, err := cfg.Keyspace(memory.TierShort)
	if err != nil {
		return nil, err
	}
	return &RedisAdapter{
		client:   client,
		closer:   func() error { return nil },
		cfg:      cfg,
		opts:     buildOptions(opts),
		indexKey: keyspace + ":index",
		lruKey:   keyspace + ":lru",
	}, nil
}

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// NewRedisClient creates a Redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
}

// Dial connects to Redis and returns an adapter that closes the client on
// Close.
func Dial(cfg RedisConfig, storage memory.StorageConfig, opts ...Option) (*RedisAdapter, error) {
	client := NewRedisClient(cfg)
	a, err := NewRedisAdapter(client, storage, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closer = client.Close
	return a, nil
}

// Client exposes the underlying client so other components, such as the
// consolidation lock, can share the connection pool.
func (a *RedisAdapter) Client() redis.Cmdable {
	return a.client
}

func (a *RedisAdapter) Tier() memory.Tier {
	return memory.TierShort
}

func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *RedisAdapter) valueKey(typ memory.ItemType, id string) (string, error) {
	loc, err := a.cfg.ResolveLocation(typ, memory.TierShort)
	if err != nil {
		return "", err
	}
	return loc + ":" + id, nil
}

func (a *RedisAdapter) score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// load reads an item without bookkeeping. Dangling index entries left by
// physical expiry are cleaned up and reported as not found.
func (a *RedisAdapter) load(ctx context.Context, id string) (*memory.Item, string, error) {
	typ, err := a.client.HGet(ctx, a.indexKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", memory.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read index: %w", err)
	}

	key, err := a.valueKey(memory.ItemType(typ), id)
	if err != nil {
		return nil, "", err
	}
	data, err := a.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		a.forget(ctx, id)
		return nil, "", memory.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read item: %w", err)
	}

	it, err := memory.Decode(data)
	if err != nil {
		return nil, "", err
	}
	return it, key, nil
}

func (a *RedisAdapter) forget(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_ = a.client.HDel(ctx, a.indexKey, ids...).Err()
	_ = a.client.ZRem(ctx, a.lruKey, members...).Err()
}

func (a *RedisAdapter) Store(ctx context.Context, item *memory.Item) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.opts.clock()
	existing, oldKey, err := a.load(ctx, item.ID)
	if err != nil && !memory.IsNotFound(err) {
		return "", err
	}

	it, err := tier.Prepare(existing, item, memory.TierShort, now, a.opts.ttl)
	if err != nil {
		return "", err
	}
	data, err := memory.Encode(it)
	if err != nil {
		return "", err
	}
	key, err := a.valueKey(it.Type, it.ID)
	if err != nil {
		return "", err
	}

	if err := a.client.Set(ctx, key, data, tier.PhysicalTTL(it, now, a.opts.grace)).Err(); err != nil {
		return "", fmt.Errorf("write item: %w", err)
	}
	if oldKey != "" && oldKey != key {
		if err := a.client.Del(ctx, oldKey).Err(); err != nil {
			return "", fmt.Errorf("drop previous copy: %w", err)
		}
	}
	if err := a.client.HSet(ctx, a.indexKey, it.ID, string(it.Type)).Err(); err != nil {
		return "", fmt.Errorf("write index: %w", err)
	}
	if err := a.client.ZAdd(ctx, a.lruKey, redis.Z{Score: a.score(now), Member: it.ID}).Err(); err != nil {
		return "", fmt.Errorf("write lru: %w", err)
	}
	if err := a.evict(ctx); err != nil {
		return "", err
	}
	return it.ID, nil
}

// evict pops least recently used ids until the tier is back at capacity.
func (a *RedisAdapter) evict(ctx context.Context) error {
	n, err := a.client.ZCard(ctx, a.lruKey).Result()
	if err != nil {
		return fmt.Errorf("read lru size: %w", err)
	}
	over := n - int64(a.opts.capacity)
	if over <= 0 {
		return nil
	}

	popped, err := a.client.ZPopMin(ctx, a.lruKey, over).Result()
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	for _, z := range popped {
		id := fmt.Sprint(z.Member)
		typ, err := a.client.HGet(ctx, a.indexKey, id).Result()
		if err == nil {
			if key, kerr := a.valueKey(memory.ItemType(typ), id); kerr == nil {
				_ = a.client.Del(ctx, key).Err()
			}
		}
		_ = a.client.HDel(ctx, a.indexKey, id).Err()
		a.opts.log.Debug("short-term item evicted", "id", id)
	}
	return nil
}

func (a *RedisAdapter) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.opts.clock()
	it, key, err := a.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.Expired(now) {
		return nil, memory.ErrNotFound
	}

	it.Touch(now)
	data, err := memory.Encode(it)
	if err != nil {
		return nil, err
	}
	if err := a.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return nil, fmt.Errorf("record access: %w", err)
	}
	if err := a.client.ZAdd(ctx, a.lruKey, redis.Z{Score: a.score(now), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("record access: %w", err)
	}
	return it, nil
}

func (a *RedisAdapter) Peek(ctx context.Context, id string) (*memory.Item, error) {
	it, _, err := a.load(ctx, id)
	return it, err
}

func (a *RedisAdapter) ids(ctx context.Context) ([]string, error) {
	index, err := a.client.HGetAll(ctx, a.indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *RedisAdapter) Scan(ctx context.Context, fn func(*memory.Item) error) error {
	ids, err := a.ids(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, _, err := a.load(ctx, id)
		if memory.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (a *RedisAdapter) collect(ctx context.Context, q memory.Query) ([]*memory.Item, error) {
	var items []*memory.Item
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			it, _, err := a.load(ctx, id)
			if memory.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		return items, nil
	}
	err := a.Scan(ctx, func(it *memory.Item) error {
		items = append(items, it)
		return nil
	})
	return items, err
}

// Query filters by exact field and key matches. Similarity queries are left
// to the longer-lived tiers and answer nothing here.
func (a *RedisAdapter) Query(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Semantic() {
		return nil, nil
	}
	items, err := a.collect(ctx, q)
	if err != nil {
		return nil, err
	}
	return query(q, items, a.opts.clock()), nil
}

func query(q memory.Query, items []*memory.Item, now time.Time) []memory.Result {
	return tier.Structured(q, items, memory.TierShort, now)
}

func (a *RedisAdapter) Delete(ctx context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleteLocked(ctx, id)
}

func (a *RedisAdapter) deleteLocked(ctx context.Context, id string) (bool, error) {
	typ, err := a.client.HGet(ctx, a.indexKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read index: %w", err)
	}
	key, err := a.valueKey(memory.ItemType(typ), id)
	if err != nil {
		return false, err
	}
	n, err := a.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	a.forget(ctx, id)
	return n > 0, nil
}

func (a *RedisAdapter) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	var owned []string
	err := a.Scan(ctx, func(it *memory.Item) error {
		if it.OwnerID == ownerID {
			owned = append(owned, it.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for _, id := range owned {
		ok, err := a.deleteLocked(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (a *RedisAdapter) Close() error {
	return a.closer()
}

var _ memory.TierAdapter = (*RedisAdapter)(nil)
