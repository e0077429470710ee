// Package midterm implements the mid-term tier: durable, structured storage
// for facts and summaries that outlived the short-term cache. Badger is the
// embedded default; SQLite is available where a single database file is
// easier to operate.
package midterm

import (
	"time"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier"
)

// DefaultRetention is the lifetime of items stored without a deadline.
const DefaultRetention = 30 * 24 * time.Hour

type options struct {
	clock     memory.Clock
	retention time.Duration
	grace     time.Duration
}

// Option configures a mid-term adapter.
type Option func(*options)

// WithClock sets the time source.
func WithClock(clock memory.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithRetention sets the lifetime of items stored without a deadline.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
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

func buildOptions(opts []Option) options {
	o := options{
		clock:     memory.SystemClock,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// rank answers a query over candidate items: BM25 over content when text is
// given, newest first otherwise.
func rank(q memory.Query, items []*memory.Item, now time.Time) []memory.Result {
	if q.Text != "" {
		return tier.RankText(q, items, memory.TierMid, now)
	}
	return tier.Structured(q, items, memory.TierMid, now)
}
