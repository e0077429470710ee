// Package consolidation moves memory items along the one-way tier pipeline:
// expired short-term items are promoted to mid-term when they were used
// often enough and dropped otherwise; expired mid-term items that were
// retrieved are embedded into long-term, the rest are deleted.
package consolidation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier/longterm"
)

// Defaults for Config.
const (
	DefaultPromoteMinAccesses    = 3
	DefaultLongTermMinRetrievals = 1
	DefaultSchedule              = "@every 1h"
	DefaultRunTimeout            = 10 * time.Minute

	// LockKey is the name of the single-runner lock.
	LockKey = "tiermem:consolidation:lock"
)

// Event types published by the policy.
const (
	EventItemPromoted = "item.promoted"
	EventCompleted    = "consolidation.completed"
)

// Failure stages reported in ConsolidationError.
const (
	StageEmbed   = "embed"
	StageWrite   = "write"
	StageConfirm = "confirm"
	StageDelete  = "delete_source"
	StageExpire  = "expire"
	StageTier    = "destination_unavailable"
)

// Config holds the promotion thresholds. None of them is fixed policy.
type Config struct {
	// MidTermRetention is the deadline given to items promoted to mid-term.
	// Zero leaves it to the mid-term adapter.
	MidTermRetention time.Duration

	// PromoteMinAccesses is the number of short-term retrievals that earns
	// an expired item a place in mid-term.
	PromoteMinAccesses int

	// LongTermMinRetrievals is the number of mid-term retrievals that earns
	// an expired item a place in long-term.
	LongTermMinRetrievals int

	// Schedule is a cron expression, optionally prefixed with CRON_TZ=, a
	// descriptor such as "@every 1h", or a Go duration.
	Schedule string

	RunTimeout time.Duration

	// LockTTL is the lease on the single-runner lock. It defaults to
	// RunTimeout.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PromoteMinAccesses <= 0 {
		c.PromoteMinAccesses = DefaultPromoteMinAccesses
	}
	if c.LongTermMinRetrievals <= 0 {
		c.LongTermMinRetrievals = DefaultLongTermMinRetrievals
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.LockTTL < c.RunTimeout {
		c.LockTTL = c.RunTimeout
	}
	return c
}

// Tiers gives the policy the adapters of available tiers.
type Tiers interface {
	Adapter(t memory.Tier) (memory.TierAdapter, bool)
}

// Recorder receives run measurements.
type Recorder interface {
	ObserveConsolidationRun(outcome string, d time.Duration)
	AddConsolidationItems(action string, n int)
}

// EventSink receives policy events.
type EventSink interface {
	Publish(eventType string, payload any)
}

type policyLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

type nopRecorder struct{}

func (nopRecorder) ObserveConsolidationRun(string, time.Duration) {}
func (nopRecorder) AddConsolidationItems(string, int)             {}

type nopSink struct{}

func (nopSink) Publish(string, any) {}

// Run outcomes reported to the Recorder.
const (
	OutcomeCompleted = "completed"
	OutcomePartial   = "partial"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Report summarizes one run.
type Report struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	// Skipped is set when another runner held the lock.
	Skipped bool `json:"skipped"`

	Scanned        int      `json:"scanned"`
	PromotedToMid  int      `json:"promoted_to_mid"`
	PromotedToLong int      `json:"promoted_to_long"`
	Expired        int      `json:"expired"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// Outcome classifies the run for metrics.
func (r *Report) Outcome() string {
	switch {
	case r.Skipped:
		return OutcomeSkipped
	case r.Failed > 0:
		return OutcomePartial
	default:
		return OutcomeCompleted
	}
}

// Option configures a Policy.
type Option func(*Policy)

// WithLocker sets the single-runner lock. The default is in-process.
func WithLocker(l Locker) Option {
	return func(p *Policy) {
		if l != nil {
			p.locker = l
		}
	}
}

// WithEmbedder embeds content before promotion to long-term. Without one the
// long-term adapter embeds on store.
func WithEmbedder(e longterm.Embedder) Option {
	return func(p *Policy) {
		p.embed = e
	}
}

// WithClock sets the time source.
func WithClock(clock memory.Clock) Option {
	return func(p *Policy) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l policyLogger) Option {
	return func(p *Policy) {
		if l != nil {
			p.log = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Policy) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithEventSink sets where run events go.
func WithEventSink(s EventSink) Option {
	return func(p *Policy) {
		if s != nil {
			p.sink = s
		}
	}
}

// Policy is the only writer that moves items between tiers.
type Policy struct {
	cfg      Config
	tiers    Tiers
	locker   Locker
	embed    longterm.Embedder
	clock    memory.Clock
	log      policyLogger
	recorder Recorder
	sink     EventSink

	mu   sync.RWMutex
	last *Report
}

// New creates a Policy over tiers.
func New(tiers Tiers, cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:      cfg.withDefaults(),
		tiers:    tiers,
		clock:    memory.SystemClock,
		log:      nopLogger{},
		recorder: nopRecorder{},
		sink:     nopSink{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locker == nil {
		p.locker = NewLocalLocker(p.clock)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// LastReport returns the report of the most recent run, or nil.
func (p *Policy) LastReport() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// RunOnce performs one consolidation pass. Per-item failures are recorded in
// the report and leave the item where it was; the returned error is reserved
// for runs that could not start.
func (p *Policy) RunOnce(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	start := p.clock()
	report := &Report{RunID: uuid.NewString(), StartedAt: start}

	token := report.RunID
	ok, err := p.locker.Acquire(ctx, LockKey, token, p.cfg.LockTTL)
	if err != nil {
		p.recorder.ObserveConsolidationRun(OutcomeError, 0)
		return nil, err
	}
	if !ok {
		report.Skipped = true
		report.FinishedAt = p.clock()
		p.log.Info("consolidation skipped, another run holds the lock", "run_id", report.RunID)
		p.recorder.ObserveConsolidationRun(OutcomeSkipped, 0)
		return report, nil
	}
	defer func() {
		if err := p.locker.Release(context.WithoutCancel(ctx), LockKey, token); err != nil {
			p.log.Warn("consolidation lock release failed", "run_id", report.RunID, "error", err)
		}
	}()

	p.consolidateShort(ctx, report)
	p.consolidateMid(ctx, report)

	report.FinishedAt = p.clock()
	report.Duration = report.FinishedAt.Sub(start)

	p.mu.Lock()
	p.last = report
	p.mu.Unlock()

	p.recorder.ObserveConsolidationRun(report.Outcome(), report.Duration)
	p.recorder.AddConsolidationItems("promoted_mid", report.PromotedToMid)
	p.recorder.AddConsolidationItems("promoted_long", report.PromotedToLong)
	p.recorder.AddConsolidationItems("expired", report.Expired)
	p.recorder.AddConsolidationItems("failed", report.Failed)
	p.sink.Publish(EventCompleted, report)
	p.log.Info("consolidation completed",
		"run_id", report.RunID,
		"scanned", report.Scanned,
		"promoted_to_mid", report.PromotedToMid,
		"promoted_to_long", report.PromotedToLong,
		"expired", report.Expired,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

// expired collects the ids of items past their deadline in src.
func (p *Policy) expired(ctx context.Context, src memory.TierAdapter, report *Report) ([]string, error) {
	now := p.clock()
	var ids []string
	err := src.Scan(ctx, func(it *memory.Item) error {
		report.Scanned++
		if it.Expired(now) {
			ids = append(ids, it.ID)
		}
		return nil
	})
	return ids, err
}

func (p *Policy) consolidateShort(ctx context.Context, report *Report) {
	src, ok := p.tiers.Adapter(memory.TierShort)
	if !ok {
		p.fail(report, &memory.ConsolidationError{From: memory.TierShort, Stage: "scan", Err: memory.ErrTierUnavailable})
		return
	}
	ids, err := p.expired(ctx, src, report)
	if err != nil {
		p.fail(report, &memory.ConsolidationError{From: memory.TierShort, Stage: "scan", Err: err})
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		it, ok := p.current(ctx, src, id, report)
		if !ok {
			continue
		}
		if it.TierAccessCount < p.cfg.PromoteMinAccesses {
			p.drop(ctx, src, it, report)
			continue
		}

		var deadline time.Time
		if p.cfg.MidTermRetention > 0 {
			deadline = p.clock().Add(p.cfg.MidTermRetention)
		}
		if p.move(ctx, it, src, memory.TierMid, deadline, report) {
			report.PromotedToMid++
		}
	}
}

func (p *Policy) consolidateMid(ctx context.Context, report *Report) {
	src, ok := p.tiers.Adapter(memory.TierMid)
	if !ok {
		p.fail(report, &memory.ConsolidationError{From: memory.TierMid, Stage: "scan", Err: memory.ErrTierUnavailable})
		return
	}
	ids, err := p.expired(ctx, src, report)
	if err != nil {
		p.fail(report, &memory.ConsolidationError{From: memory.TierMid, Stage: "scan", Err: err})
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		it, ok := p.current(ctx, src, id, report)
		if !ok {
			continue
		}
		if it.TierAccessCount < p.cfg.LongTermMinRetrievals {
			p.drop(ctx, src, it, report)
			continue
		}
		if p.move(ctx, it, src, memory.TierLong, time.Time{}, report) {
			report.PromotedToLong++
		}
	}
}

// current re-reads id and reports whether it is still due. Items touched or
// deleted since the scan are left alone.
func (p *Policy) current(ctx context.Context, src memory.TierAdapter, id string, report *Report) (*memory.Item, bool) {
	it, err := src.Peek(ctx, id)
	if memory.IsNotFound(err) {
		return nil, false
	}
	if err != nil {
		p.fail(report, &memory.ConsolidationError{ItemID: id, From: src.Tier(), Stage: "read", Err: err})
		return nil, false
	}
	return it, it.Expired(p.clock())
}

// drop deletes an expired item that did not earn promotion.
func (p *Policy) drop(ctx context.Context, src memory.TierAdapter, it *memory.Item, report *Report) {
	removed, err := src.Delete(context.WithoutCancel(ctx), it.ID)
	if err != nil {
		p.fail(report, &memory.ConsolidationError{ItemID: it.ID, From: src.Tier(), Stage: StageExpire, Err: err})
		return
	}
	if removed {
		report.Expired++
	}
}

// move copies it into tier to, confirms the copy and only then deletes the
// source. A move that has started is not cancelled. When the destination
// already holds the id from an earlier interrupted run, only the source
// delete is retried.
func (p *Policy) move(ctx context.Context, it *memory.Item, src memory.TierAdapter, to memory.Tier, deadline time.Time, report *Report) bool {
	ctx = context.WithoutCancel(ctx)
	from := src.Tier()
	failure := func(stage string, err error) bool {
		p.fail(report, &memory.ConsolidationError{ItemID: it.ID, From: from, To: to, Stage: stage, Err: err})
		return false
	}

	dst, ok := p.tiers.Adapter(to)
	if !ok {
		return failure(StageTier, memory.ErrTierUnavailable)
	}

	_, err := dst.Peek(ctx, it.ID)
	switch {
	case err == nil:
		p.log.Info("destination already holds item, retrying source delete", "id", it.ID, "from", from, "to", to)
	case memory.IsNotFound(err):
		moved := it.Clone()
		moved.EnterTier(to, deadline)
		moved.UpdatedAt = p.clock()
		if to == memory.TierLong && len(moved.Embedding) == 0 && p.embed != nil {
			vec, err := p.embed(ctx, moved.Content)
			if err != nil {
				return failure(StageEmbed, err)
			}
			moved.Embedding = vec
		}
		if _, err := dst.Store(ctx, moved); err != nil {
			return failure(StageWrite, err)
		}
		if _, err := dst.Peek(ctx, it.ID); err != nil {
			return failure(StageConfirm, err)
		}
	default:
		return failure(StageConfirm, err)
	}

	if _, err := src.Delete(ctx, it.ID); err != nil {
		return failure(StageDelete, err)
	}

	p.sink.Publish(EventItemPromoted, map[string]any{"id": it.ID, "owner_id": it.OwnerID, "from": from, "to": to})
	return true
}

func (p *Policy) fail(report *Report, err *memory.ConsolidationError) {
	report.Failed++
	report.Errors = append(report.Errors, err.Error())
	p.log.Warn("consolidation step failed",
		"id", err.ItemID,
		"from", err.From,
		"to", err.To,
		"stage", err.Stage,
		"error", err.Err,
	)
}
