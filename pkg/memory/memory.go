// Package memory defines the data model and contracts of the tiered memory
// service: memory items, the tiers they live in, storage naming, queries and
// the error taxonomy shared by every tier adapter.
package memory

import (
	"context"
	"time"
)

// Manager is the call interface every tier adapter and the facade implement.
type Manager interface {
	// Store persists the item and returns its id. Storing the same id again
	// replaces the stored copy.
	Store(ctx context.Context, item *Item) (string, error)

	// Retrieve is a point lookup. Missing or logically expired items yield
	// ErrNotFound. A successful lookup counts as an access.
	Retrieve(ctx context.Context, id string) (*Item, error)

	// Query searches the tier with its own query capabilities.
	Query(ctx context.Context, q Query) ([]Result, error)

	// Delete hard-deletes the item and reports whether anything was removed.
	Delete(ctx context.Context, id string) (bool, error)
}

// TierAdapter wraps a single backing store and serves exactly one tier.
type TierAdapter interface {
	Manager

	// Tier reports which tier the adapter serves.
	Tier() Tier

	// Ping is the lightweight reachability check used for capability detection.
	Ping(ctx context.Context) error

	// Peek reads an item without access bookkeeping and without applying
	// logical expiry. Consolidation uses it to inspect and confirm writes.
	Peek(ctx context.Context, id string) (*Item, error)

	// Scan visits every stored item, including logically expired ones that
	// are still physically present. Returning an error from fn stops the scan.
	Scan(ctx context.Context, fn func(*Item) error) error

	// DeleteOwner removes every item that belongs to ownerID.
	DeleteOwner(ctx context.Context, ownerID string) (int, error)

	// Close releases the backing store.
	Close() error
}

// Clock returns the current time. Adapters and the consolidation policy take
// one so tests can move time forward.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
