package shortterm

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier"
)

type cacheEntry struct {
	item *memory.Item

	// purgeAt is the physical expiry: logical deadline plus grace.
	purgeAt time.Time
}

// CacheAdapter is an in-process LRU with the same semantics as RedisAdapter.
// It serves single-node deployments and tests.
type CacheAdapter struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
	opts  options
}

// NewCacheAdapter creates an empty in-process short-term tier.
func NewCacheAdapter(opts ...Option) *CacheAdapter {
	return &CacheAdapter{
		items: make(map[string]*list.Element),
		order: list.New(),
		opts:  buildOptions(opts),
	}
}

func (c *CacheAdapter) Tier() memory.Tier {
	return memory.TierShort
}

func (c *CacheAdapter) Ping(context.Context) error {
	return nil
}

// Len returns the number of resident items.
func (c *CacheAdapter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// lookup returns the entry for id, purging it when physically expired.
func (c *CacheAdapter) lookup(id string, now time.Time) (*list.Element, bool) {
	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !entry.purgeAt.IsZero() && !now.Before(entry.purgeAt) {
		c.removeElement(elem)
		return nil, false
	}
	return elem, true
}

func (c *CacheAdapter) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.item.ID)
	c.order.Remove(elem)
}

func (c *CacheAdapter) Store(_ context.Context, item *memory.Item) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.clock()
	var existing *memory.Item
	elem, found := c.lookup(item.ID, now)
	if found {
		existing = elem.Value.(*cacheEntry).item
	}

	it, err := tier.Prepare(existing, item, memory.TierShort, now, c.opts.ttl)
	if err != nil {
		return "", err
	}

	entry := &cacheEntry{item: it}
	if ttl := tier.PhysicalTTL(it, now, c.opts.grace); ttl > 0 {
		entry.purgeAt = now.Add(ttl)
	}

	if found {
		elem.Value = entry
		c.order.MoveToFront(elem)
	} else {
		c.items[it.ID] = c.order.PushFront(entry)
	}

	for c.order.Len() > c.opts.capacity {
		oldest := c.order.Back()
		c.opts.log.Debug("short-term item evicted", "id", oldest.Value.(*cacheEntry).item.ID)
		c.removeElement(oldest)
	}
	return it.ID, nil
}

func (c *CacheAdapter) Retrieve(_ context.Context, id string) (*memory.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.clock()
	elem, ok := c.lookup(id, now)
	if !ok {
		return nil, memory.ErrNotFound
	}
	entry := elem.Value.(*cacheEntry)
	if entry.item.Expired(now) {
		return nil, memory.ErrNotFound
	}

	entry.item.Touch(now)
	c.order.MoveToFront(elem)
	return entry.item.Clone(), nil
}

func (c *CacheAdapter) Peek(_ context.Context, id string) (*memory.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookup(id, c.opts.clock())
	if !ok {
		return nil, memory.ErrNotFound
	}
	return elem.Value.(*cacheEntry).item.Clone(), nil
}

// snapshot copies every physically present item, oldest use first.
func (c *CacheAdapter) snapshot() []*memory.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.clock()
	items := make([]*memory.Item, 0, c.order.Len())
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if !entry.purgeAt.IsZero() && !now.Before(entry.purgeAt) {
			c.removeElement(elem)
		} else {
			items = append(items, entry.item.Clone())
		}
		elem = prev
	}
	return items
}

func (c *CacheAdapter) Scan(ctx context.Context, fn func(*memory.Item) error) error {
	for _, it := range c.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (c *CacheAdapter) Query(_ context.Context, q memory.Query) ([]memory.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Semantic() {
		return nil, nil
	}
	return query(q, c.snapshot(), c.opts.clock()), nil
}

func (c *CacheAdapter) Delete(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookup(id, c.opts.clock())
	if !ok {
		return false, nil
	}
	c.removeElement(elem)
	return true, nil
}

func (c *CacheAdapter) DeleteOwner(_ context.Context, ownerID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*cacheEntry).item.OwnerID == ownerID {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

func (c *CacheAdapter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

var _ memory.TierAdapter = (*CacheAdapter)(nil)
