package midterm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier"
)

// BadgerConfig holds Badger settings.
type BadgerConfig struct {
	Path             string
	InMemory         bool
	SyncWrites       bool
	ValueLogFileSize int64
}

// BadgerAdapter stores items under {location}:{id} with an id→type entry at
// {keyspace}:index:{id}. Both carry the physical TTL.
type BadgerAdapter struct {
	db   *badger.DB
	cfg  memory.StorageConfig
	opts options

	keyspace string
}

// OpenBadger opens the database described by bc.
func OpenBadger(bc BadgerConfig, cfg memory.StorageConfig, opts ...Option) (*BadgerAdapter, error) {
	var bopts badger.Options
	if bc.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if bc.Path == "" {
			return nil, &memory.ConfigurationError{Field: "tiers.mid_term.badger.path", Reason: "must not be empty"}
		}
		bopts = badger.DefaultOptions(bc.Path)
	}
	bopts = bopts.WithSyncWrites(bc.SyncWrites).WithLogger(nil)
	if bc.ValueLogFileSize > 0 {
		bopts = bopts.WithValueLogFileSize(bc.ValueLogFileSize)
	}

	keyspace, err := cfg.Keyspace(memory.TierMid)
	if err != nil {
		return nil, err
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerAdapter{db: db, cfg: cfg, opts: buildOptions(opts), keyspace: keyspace}, nil
}

// maxConflictRetries bounds retries of transactions that lost a write race.
const maxConflictRetries = 10

func (b *BadgerAdapter) update(fn func(*badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return err
	}
}

func (b *BadgerAdapter) Tier() memory.Tier {
	return memory.TierMid
}

func (b *BadgerAdapter) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return b.db.View(func(*badger.Txn) error { return nil })
}

func (b *BadgerAdapter) indexKey(id string) []byte {
	return []byte(b.keyspace + ":index:" + id)
}

func (b *BadgerAdapter) valueKey(typ memory.ItemType, id string) ([]byte, error) {
	loc, err := b.cfg.ResolveLocation(typ, memory.TierMid)
	if err != nil {
		return nil, err
	}
	return []byte(loc + ":" + id), nil
}

// get reads id inside txn, returning ErrNotFound for absent items.
func (b *BadgerAdapter) get(txn *badger.Txn, id string) (*memory.Item, []byte, error) {
	idx, err := txn.Get(b.indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	typ, err := idx.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}

	key, err := b.valueKey(memory.ItemType(typ), id)
	if err != nil {
		return nil, nil, err
	}
	entry, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var it *memory.Item
	err = entry.Value(func(val []byte) error {
		var derr error
		it, derr = memory.Decode(val)
		return derr
	})
	if err != nil {
		return nil, nil, err
	}
	return it, key, nil
}

func (b *BadgerAdapter) put(txn *badger.Txn, it *memory.Item, now time.Time) error {
	data, err := memory.Encode(it)
	if err != nil {
		return err
	}
	key, err := b.valueKey(it.Type, it.ID)
	if err != nil {
		return err
	}

	value := badger.NewEntry(key, data)
	index := badger.NewEntry(b.indexKey(it.ID), []byte(it.Type))
	if ttl := tier.PhysicalTTL(it, now, b.opts.grace); ttl > 0 {
		value = value.WithTTL(ttl)
		index = index.WithTTL(ttl)
	}
	if err := txn.SetEntry(value); err != nil {
		return err
	}
	return txn.SetEntry(index)
}

func (b *BadgerAdapter) Store(_ context.Context, item *memory.Item) (string, error) {
	now := b.opts.clock()
	var id string

	err := b.update(func(txn *badger.Txn) error {
		existing, oldKey, err := b.get(txn, item.ID)
		if err != nil && !memory.IsNotFound(err) {
			return err
		}
		it, err := tier.Prepare(existing, item, memory.TierMid, now, b.opts.retention)
		if err != nil {
			return err
		}
		if oldKey != nil {
			newKey, err := b.valueKey(it.Type, it.ID)
			if err != nil {
				return err
			}
			if string(newKey) != string(oldKey) {
				if err := txn.Delete(oldKey); err != nil {
					return err
				}
			}
		}
		id = it.ID
		return b.put(txn, it, now)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *BadgerAdapter) Retrieve(_ context.Context, id string) (*memory.Item, error) {
	now := b.opts.clock()
	var out *memory.Item

	err := b.update(func(txn *badger.Txn) error {
		it, _, err := b.get(txn, id)
		if err != nil {
			return err
		}
		if it.Expired(now) {
			return memory.ErrNotFound
		}
		it.Touch(now)
		out = it
		return b.put(txn, it, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerAdapter) Peek(_ context.Context, id string) (*memory.Item, error) {
	var out *memory.Item
	err := b.db.View(func(txn *badger.Txn) error {
		it, _, err := b.get(txn, id)
		out = it
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerAdapter) Scan(ctx context.Context, fn func(*memory.Item) error) error {
	locations, err := b.cfg.Locations(memory.TierMid)
	if err != nil {
		return err
	}

	var items []*memory.Item
	err = b.db.View(func(txn *badger.Txn) error {
		for _, typ := range memory.ItemTypes() {
			prefix := []byte(locations[typ] + ":")
			iter := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
			for iter.Rewind(); iter.Valid(); iter.Next() {
				if err := ctx.Err(); err != nil {
					iter.Close()
					return err
				}
				err := iter.Item().Value(func(val []byte) error {
					it, derr := memory.Decode(val)
					if derr != nil {
						return derr
					}
					items = append(items, it)
					return nil
				})
				if err != nil {
					iter.Close()
					return err
				}
			}
			iter.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}

	// fn runs outside the read transaction so it may write to this tier.
	for _, it := range items {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerAdapter) Query(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if tier.EmbeddingOnly(q) {
		return nil, nil
	}

	var items []*memory.Item
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			it, err := b.Peek(ctx, id)
			if memory.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	} else {
		err := b.Scan(ctx, func(it *memory.Item) error {
			items = append(items, it)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return rank(q, items, b.opts.clock()), nil
}

func (b *BadgerAdapter) Delete(_ context.Context, id string) (bool, error) {
	removed := false
	err := b.update(func(txn *badger.Txn) error {
		removed = false
		_, key, err := b.get(txn, id)
		if memory.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		removed = true
		return txn.Delete(b.indexKey(id))
	})
	return removed, err
}

func (b *BadgerAdapter) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	var owned []string
	err := b.Scan(ctx, func(it *memory.Item) error {
		if it.OwnerID == ownerID {
			owned = append(owned, it.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range owned {
		ok, err := b.Delete(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (b *BadgerAdapter) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

var _ memory.TierAdapter = (*BadgerAdapter)(nil)
