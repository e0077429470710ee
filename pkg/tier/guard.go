package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestra/tiermem/pkg/memory"
)

const tracerName = "tiermem.tier"

// Default guard settings.
const (
	DefaultTimeout             = 3 * time.Second
	defaultBreakerMaxRequests  = 1
	defaultBreakerInterval     = time.Minute
	defaultBreakerOpenTimeout  = 30 * time.Second
	defaultConsecutiveFailures = 5
)

// Operation outcomes reported to the Recorder.
const (
	OutcomeOK          = "ok"
	OutcomeCallerError = "caller_error"
	OutcomeUnavailable = "unavailable"
	OutcomeCanceled    = "canceled"
)

// BreakerConfig configures the per-tier circuit breaker.
type BreakerConfig struct {
	Enabled bool

	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32

	// Interval clears failure counts while closed.
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// GuardConfig configures Guard.
type GuardConfig struct {
	Timeout time.Duration
	Breaker BreakerConfig
}

// Recorder receives per-operation measurements.
type Recorder interface {
	ObserveTierOperation(tier memory.Tier, op, outcome string, d time.Duration)
	SetTierBreakerState(tier memory.Tier, state string)
}

type guardLogger interface {
	Warn(msg string, args ...any)
}

type nopGuardLogger struct{}

func (nopGuardLogger) Warn(string, ...any) {}

type nopRecorder struct{}

func (nopRecorder) ObserveTierOperation(memory.Tier, string, string, time.Duration) {}
func (nopRecorder) SetTierBreakerState(memory.Tier, string)                        {}

// GuardOption configures a Guarded adapter.
type GuardOption func(*Guarded)

// WithGuardLogger sets the logger for breaker transitions.
func WithGuardLogger(l guardLogger) GuardOption {
	return func(g *Guarded) {
		if l != nil {
			g.log = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) GuardOption {
	return func(g *Guarded) {
		if r != nil {
			g.recorder = r
		}
	}
}

// Guarded wraps a TierAdapter so that every backing-store call carries a
// timeout, is short-circuited by a breaker once the store keeps failing, and
// is traced. Reads return at the deadline; writes report how they actually
// ended. Backing-store failures surface as TierUnavailableError.
type Guarded struct {
	inner    memory.TierAdapter
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker[any]
	recorder Recorder
	log      guardLogger
	tracer   trace.Tracer
}

// Guard wraps inner.
func Guard(inner memory.TierAdapter, cfg GuardConfig, opts ...GuardOption) *Guarded {
	g := &Guarded{
		inner:    inner,
		timeout:  cfg.Timeout,
		recorder: nopRecorder{},
		log:      nopGuardLogger{},
		tracer:   otel.Tracer(tracerName),
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.Breaker.Enabled {
		g.breaker = newBreaker(inner.Tier(), cfg.Breaker, g)
		g.recorder.SetTierBreakerState(inner.Tier(), gobreaker.StateClosed.String())
	}
	return g
}

func newBreaker(t memory.Tier, cfg BreakerConfig, g *Guarded) *gobreaker.CircuitBreaker[any] {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = defaultBreakerMaxRequests
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultBreakerOpenTimeout
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = defaultConsecutiveFailures
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "tier:" + string(t),
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("tier circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			g.recorder.SetTierBreakerState(t, to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || memory.IsCallerError(err) || errors.Is(err, context.Canceled)
		},
	})
}

// Unwrap returns the wrapped adapter.
func (g *Guarded) Unwrap() memory.TierAdapter {
	return g.inner
}

// BreakerState reports the breaker state, or "disabled".
func (g *Guarded) BreakerState() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

func (g *Guarded) Tier() memory.Tier {
	return g.inner.Tier()
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := call(g, ctx, "ping", false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Ping(ctx)
	})
	return err
}

func (g *Guarded) Store(ctx context.Context, item *memory.Item) (string, error) {
	return call(g, ctx, "store", true, func(ctx context.Context) (string, error) {
		return g.inner.Store(ctx, item)
	})
}

func (g *Guarded) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	return call(g, ctx, "retrieve", false, func(ctx context.Context) (*memory.Item, error) {
		return g.inner.Retrieve(ctx, id)
	})
}

func (g *Guarded) Peek(ctx context.Context, id string) (*memory.Item, error) {
	return call(g, ctx, "peek", false, func(ctx context.Context) (*memory.Item, error) {
		return g.inner.Peek(ctx, id)
	})
}

func (g *Guarded) Query(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	return call(g, ctx, "query", false, func(ctx context.Context) ([]memory.Result, error) {
		return g.inner.Query(ctx, q)
	})
}

func (g *Guarded) Delete(ctx context.Context, id string) (bool, error) {
	return call(g, ctx, "delete", true, func(ctx context.Context) (bool, error) {
		return g.inner.Delete(ctx, id)
	})
}

func (g *Guarded) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	return call(g, ctx, "delete_owner", true, func(ctx context.Context) (int, error) {
		return g.inner.DeleteOwner(ctx, ownerID)
	})
}

// Scan runs on the caller's context without the per-operation timeout; a
// full scan is bounded by whoever drives it.
func (g *Guarded) Scan(ctx context.Context, fn func(*memory.Item) error) error {
	start := time.Now()
	ctx, span := g.startSpan(ctx, "scan")
	defer span.End()

	err := g.inner.Scan(ctx, fn)
	if err != nil && !memory.IsCallerError(err) && !memory.IsUnavailable(err) && ctx.Err() == nil {
		err = memory.Unavailable(g.inner.Tier(), "scan", err)
	}
	g.finish(span, "scan", start, err)
	return err
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}

type outcome[T any] struct {
	value T
	err   error
}

// call runs fn under the timeout and breaker. Writes detach from the
// caller's cancellation and are never abandoned: the caller gets the write's
// real outcome, so a store reported as failed has not landed late.
func call[T any](g *Guarded, ctx context.Context, op string, write bool, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, span := g.startSpan(ctx, op)
	defer span.End()

	base := ctx
	if write {
		base = context.WithoutCancel(ctx)
	}
	opCtx, cancel := context.WithTimeout(base, g.timeout)
	defer cancel()

	run := func() (any, error) {
		if write {
			return settled(opCtx, fn)
		}
		return bounded(opCtx, ctx, fn)
	}

	var (
		raw any
		err error
	)
	if g.breaker != nil {
		raw, err = g.breaker.Execute(run)
	} else {
		raw, err = run()
	}

	err = g.classify(op, err)
	g.finish(span, op, start, err)

	var zero T
	if err != nil {
		return zero, err
	}
	value, _ := raw.(T)
	return value, nil
}

// settled runs a write to completion. A write that finished after its
// deadline still reports success; one that failed reports its own error.
func settled[T any](opCtx context.Context, fn func(context.Context) (T, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("tier adapter panic: %v", r)
		}
	}()
	v, err := fn(opCtx)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// bounded runs fn on its own goroutine so a backing store that ignores its
// context cannot hold the caller past the deadline.
func bounded[T any](opCtx, callerCtx context.Context, fn func(context.Context) (T, error)) (any, error) {
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("tier adapter panic: %v", r)}
			}
		}()
		v, err := fn(opCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return out.value, nil
	case <-opCtx.Done():
		if callerCtx.Err() != nil && opCtx.Err() == context.Canceled {
			return nil, callerCtx.Err()
		}
		return nil, opCtx.Err()
	}
}

func (g *Guarded) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case memory.IsCallerError(err), memory.IsUnavailable(err):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return memory.Unavailable(g.inner.Tier(), op, fmt.Errorf("circuit open: %w", err))
	default:
		return memory.Unavailable(g.inner.Tier(), op, err)
	}
}

func (g *Guarded) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "tier."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tiermem.tier", string(g.inner.Tier())),
			attribute.String("tiermem.op", op),
		),
	)
}

func (g *Guarded) finish(span trace.Span, op string, start time.Time, err error) {
	result := OutcomeOK
	switch {
	case err == nil:
		span.SetStatus(otelcodes.Ok, "ok")
	case memory.IsCallerError(err):
		result = OutcomeCallerError
		span.SetStatus(otelcodes.Ok, err.Error())
	case errors.Is(err, context.Canceled):
		result = OutcomeCanceled
		span.SetStatus(otelcodes.Error, "canceled")
	default:
		result = OutcomeUnavailable
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	g.recorder.ObserveTierOperation(g.inner.Tier(), op, result, time.Since(start))
}

var _ memory.TierAdapter = (*Guarded)(nil)
