// Package manager composes the tier adapters behind one facade. The factory
// probes each tier once, records whether it is available, and the facade
// routes every call to the tiers that can serve it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/privacy"
	"github.com/orchestra/tiermem/pkg/tier"
)

// Builder constructs the adapter for one tier. It is called at Create and
// again by HealthCheck for tiers found unavailable.
type Builder func(ctx context.Context) (memory.TierAdapter, error)

// DefaultShortTermTTL is the deadline given to stored items when the caller
// sets none.
const DefaultShortTermTTL = time.Hour

// Option configures the Factory.
type Option func(*Factory)

// WithFilter sets the privacy filter. The default filter enforces according
// to the storage config.
func WithFilter(f *privacy.Filter) Option {
	return func(fa *Factory) {
		if f != nil {
			fa.filter = f
		}
	}
}

// WithGuard sets the timeout and breaker settings applied to every adapter.
func WithGuard(cfg tier.GuardConfig, opts ...tier.GuardOption) Option {
	return func(fa *Factory) {
		fa.guard = cfg
		fa.guardOpts = opts
	}
}

// WithoutGuard hands adapters to the facade unwrapped. Adapters are then
// expected to bound their own calls.
func WithoutGuard() Option {
	return func(fa *Factory) {
		fa.unguarded = true
	}
}

// WithShortTermTTL sets the default short-term deadline.
func WithShortTermTTL(ttl time.Duration) Option {
	return func(fa *Factory) {
		if ttl > 0 {
			fa.shortTTL = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(clock memory.Clock) Option {
	return func(fa *Factory) {
		if clock != nil {
			fa.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l managerLogger) Option {
	return func(fa *Factory) {
		if l != nil {
			fa.log = l
		}
	}
}

// WithEventSink sets where facade events go.
func WithEventSink(s EventSink) Option {
	return func(fa *Factory) {
		if s != nil {
			fa.sink = s
		}
	}
}

// Factory builds a Facade from per-tier builders.
type Factory struct {
	storage   memory.StorageConfig
	builders  map[memory.Tier]Builder
	filter    *privacy.Filter
	guard     tier.GuardConfig
	guardOpts []tier.GuardOption
	unguarded bool
	shortTTL  time.Duration
	clock     memory.Clock
	log       managerLogger
	sink      EventSink
}

// NewFactory creates a factory. A tier without a builder is disabled.
func NewFactory(storage memory.StorageConfig, builders map[memory.Tier]Builder, opts ...Option) *Factory {
	f := &Factory{
		storage:  storage,
		builders: make(map[memory.Tier]Builder, len(builders)),
		shortTTL: DefaultShortTermTTL,
		clock:    memory.SystemClock,
		log:      nopLogger{},
		sink:     nopSink{},
	}
	for t, b := range builders {
		if b != nil {
			f.builders[t] = b
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.filter == nil {
		f.filter = privacy.New(privacy.Config{Enforce: storage.EnforcePrivacy()})
	}
	return f
}

// Create probes every configured tier and returns the facade. Unreachable
// tiers are recorded as unavailable rather than failing creation; only a
// missing short-term builder is fatal, since every store lands there.
func (f *Factory) Create(ctx context.Context) (*Facade, error) {
	if _, ok := f.builders[memory.TierShort]; !ok {
		return nil, &memory.ConfigurationError{Field: "tiers.short_term", Reason: "must be configured"}
	}

	fc := &Facade{
		factory: f,
		storage: f.storage,
		filter:  f.filter,
		clock:   f.clock,
		log:     f.log,
		sink:    f.sink,
		slots:   make(map[memory.Tier]*slot, len(memory.Tiers())),
	}
	for _, t := range memory.Tiers() {
		fc.slots[t] = f.probe(ctx, t)
		s := fc.slots[t].status
		f.log.Info("tier probed", "tier", t, "state", s.State, "reason", s.Reason)
	}
	return fc, nil
}

// probe builds and pings one tier.
func (f *Factory) probe(ctx context.Context, t memory.Tier) *slot {
	now := f.clock()
	build, ok := f.builders[t]
	if !ok {
		return &slot{status: TierStatus{Tier: t, State: StateDisabled, CheckedAt: now}}
	}

	adapter, err := build(ctx)
	if err == nil && adapter == nil {
		err = errors.New("builder returned no adapter")
	}
	if err != nil {
		return &slot{status: TierStatus{Tier: t, State: StateUnavailable, Reason: fmt.Sprintf("build: %v", err), CheckedAt: now}}
	}
	if adapter.Tier() != t {
		_ = adapter.Close()
		return &slot{status: TierStatus{Tier: t, State: StateUnavailable, Reason: fmt.Sprintf("builder returned a %s adapter", adapter.Tier()), CheckedAt: now}}
	}

	if !f.unguarded {
		adapter = tier.Guard(adapter, f.guard, f.guardOpts...)
	}
	if err := adapter.Ping(ctx); err != nil {
		_ = adapter.Close()
		return &slot{status: TierStatus{Tier: t, State: StateUnavailable, Reason: fmt.Sprintf("ping: %v", err), CheckedAt: now}}
	}
	return &slot{adapter: adapter, status: TierStatus{Tier: t, State: StateAvailable, CheckedAt: now}}
}
