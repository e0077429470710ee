package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestra/tiermem/config"
	"github.com/orchestra/tiermem/pkg/api"
	"github.com/orchestra/tiermem/pkg/api/events"
	"github.com/orchestra/tiermem/pkg/api/handlers"
	"github.com/orchestra/tiermem/pkg/consolidation"
	grpcpkg "github.com/orchestra/tiermem/pkg/grpc"
	"github.com/orchestra/tiermem/pkg/logger"
	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/metrics"
	"github.com/orchestra/tiermem/pkg/privacy"
	"github.com/orchestra/tiermem/pkg/tier"
	"github.com/orchestra/tiermem/pkg/tier/longterm"
	"github.com/orchestra/tiermem/pkg/tier/midterm"
	"github.com/orchestra/tiermem/pkg/tier/shortterm"
)

// app owns every long-lived component of the server process.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager
	events  *events.Broadcaster

	facade     *manager.Facade
	policy     *consolidation.Policy
	lockClient *redis.Client

	ws   *handlers.WebSocketHandler
	http *api.HTTPServer
	grpc *grpcpkg.Server

	mu        sync.Mutex
	runCtx    context.Context
	hot       config.HotReloadableConfig
	scheduler *consolidation.Scheduler

	wg sync.WaitGroup
}

func storageConfig(cfg config.StorageConfig) (memory.StorageConfig, error) {
	level, err := memory.ParsePrivacyLevel(cfg.DefaultPrivacyLevel)
	if err != nil {
		return memory.StorageConfig{}, err
	}
	return memory.NewStorageConfig(memory.StorageSettings{
		Environment:    cfg.Environment,
		Namespace:      cfg.Namespace,
		DefaultPrivacy: level,
		EnforcePrivacy: cfg.EnforcePrivacyClassification,
		EnableDevNotes: cfg.EnableDevNotes,
	})
}

func redisConfig(cfg config.RedisConfig) shortterm.RedisConfig {
	return shortterm.RedisConfig{
		Address:      cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
}

// tierBuilders returns one builder per enabled tier. The facade calls a
// builder again whenever a health check finds its tier unavailable.
func tierBuilders(cfg config.TiersConfig, storage memory.StorageConfig, embed longterm.Embedder, log logger.Logger) (map[memory.Tier]manager.Builder, error) {
	builders := make(map[memory.Tier]manager.Builder, 3)

	shortOpts := []shortterm.Option{
		shortterm.WithTTL(cfg.ShortTerm.TTL),
		shortterm.WithCapacity(cfg.ShortTerm.Capacity),
		shortterm.WithExpiryGrace(cfg.ExpiryGrace),
		shortterm.WithLogger(log),
	}
	switch cfg.ShortTerm.Backend {
	case "memory":
		builders[memory.TierShort] = func(context.Context) (memory.TierAdapter, error) {
			return shortterm.NewCacheAdapter(shortOpts...), nil
		}
	case "redis":
		rc := redisConfig(cfg.ShortTerm.Redis)
		builders[memory.TierShort] = func(ctx context.Context) (memory.TierAdapter, error) {
			a, err := shortterm.Dial(rc, storage, shortOpts...)
			if err != nil {
				return nil, err
			}
			if err := a.Ping(ctx); err != nil {
				_ = a.Close()
				return nil, err
			}
			return a, nil
		}
	default:
		return nil, &memory.ConfigurationError{Field: "tiers.short_term.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.ShortTerm.Backend)}
	}

	midOpts := []midterm.Option{
		midterm.WithRetention(cfg.MidTerm.Retention),
		midterm.WithExpiryGrace(cfg.ExpiryGrace),
	}
	switch cfg.MidTerm.Backend {
	case "badger":
		bc := midterm.BadgerConfig{
			Path:             cfg.MidTerm.Badger.Path,
			InMemory:         cfg.MidTerm.Badger.InMemory,
			SyncWrites:       cfg.MidTerm.Badger.SyncWrites,
			ValueLogFileSize: cfg.MidTerm.Badger.ValueLogFileSize,
		}
		builders[memory.TierMid] = func(context.Context) (memory.TierAdapter, error) {
			return midterm.OpenBadger(bc, storage, midOpts...)
		}
	case "sqlite":
		path := cfg.MidTerm.SQLite.Path
		builders[memory.TierMid] = func(context.Context) (memory.TierAdapter, error) {
			return midterm.OpenSQLite(path, storage, midOpts...)
		}
	default:
		return nil, &memory.ConfigurationError{Field: "tiers.mid_term.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.MidTerm.Backend)}
	}

	if cfg.LongTerm.Enabled {
		lc := longterm.Config{Path: cfg.LongTerm.Path, Compress: cfg.LongTerm.Compress}
		builders[memory.TierLong] = func(context.Context) (memory.TierAdapter, error) {
			return longterm.Open(lc, storage, embed)
		}
	}

	return builders, nil
}

func guardConfig(cfg config.TiersConfig) tier.GuardConfig {
	return tier.GuardConfig{
		Timeout: cfg.Timeout,
		Breaker: tier.BreakerConfig{
			Enabled:             cfg.Breaker.Enabled,
			MaxRequests:         cfg.Breaker.MaxRequests,
			Interval:            cfg.Breaker.Interval,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		},
	}
}

func policyConfig(cfg *config.Config) consolidation.Config {
	return consolidation.Config{
		MidTermRetention:      cfg.Tiers.MidTerm.Retention,
		PromoteMinAccesses:    cfg.Consolidation.PromoteMinAccesses,
		LongTermMinRetrievals: cfg.Consolidation.LongTermMinRetrievals,
		Schedule:              cfg.Consolidation.Schedule,
		RunTimeout:            cfg.Consolidation.RunTimeout,
		LockTTL:               cfg.Consolidation.LockTTL,
	}
}

// newApp builds the facade, the consolidation policy and both servers. It
// does not start anything.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, mm *metrics.Manager) (*app, error) {
	storage, err := storageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}

	var embed longterm.Embedder
	if cfg.Tiers.LongTerm.Enabled {
		ec := cfg.Tiers.LongTerm.Embedder
		embed, err = longterm.NewEmbedder(longterm.EmbedderConfig{
			Provider:   ec.Provider,
			Model:      ec.Model,
			BaseURL:    ec.BaseURL,
			APIKey:     ec.APIKey,
			Dimensions: ec.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}

	builders, err := tierBuilders(cfg.Tiers, storage, embed, log)
	if err != nil {
		return nil, err
	}

	broadcaster := events.NewBroadcaster()
	filter := privacy.New(privacy.Config{Enforce: storage.EnforcePrivacy()},
		privacy.WithLogger(log),
		privacy.WithRecorder(mm),
	)

	facade, err := manager.NewFactory(storage, builders,
		manager.WithFilter(filter),
		manager.WithGuard(guardConfig(cfg.Tiers), tier.WithGuardLogger(log), tier.WithRecorder(mm)),
		manager.WithShortTermTTL(cfg.Tiers.ShortTerm.TTL),
		manager.WithLogger(log),
		manager.WithEventSink(broadcaster),
	).Create(ctx)
	if err != nil {
		broadcaster.Close()
		return nil, fmt.Errorf("create memory manager: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: mm,
		events:  broadcaster,
		facade:  facade,
		hot:     config.ExtractHotReloadable(cfg),
	}
	a.recordStatuses(facade.Statuses())

	policyOpts := []consolidation.Option{
		consolidation.WithLogger(log),
		consolidation.WithRecorder(mm),
		consolidation.WithEventSink(broadcaster),
	}
	if embed != nil {
		policyOpts = append(policyOpts, consolidation.WithEmbedder(embed))
	}
	if cfg.Tiers.ShortTerm.Backend == "redis" {
		a.lockClient = shortterm.NewRedisClient(redisConfig(cfg.Tiers.ShortTerm.Redis))
		policyOpts = append(policyOpts, consolidation.WithLocker(consolidation.NewRedisLocker(a.lockClient)))
	}
	a.policy = consolidation.New(facade, policyConfig(cfg), policyOpts...)

	a.ws = handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	a.http = api.NewHTTPServer(cfg, log, &api.Handlers{
		Memory:        handlers.NewMemoryHandler(facade, log),
		Consolidation: handlers.NewConsolidationHandler(a.policy, log),
		Health:        handlers.NewHealthHandler(facade),
		WebSocket:     a.ws,
		Metrics:       mm,
	})

	if cfg.Server.GRPC.Enabled {
		var grpcOpts []grpcpkg.Option
		if mm.Enabled() {
			grpcOpts = append(grpcOpts, grpcpkg.WithRegisterer(mm.Registry()))
		}
		a.grpc, err = grpcpkg.New(cfg.Server.GRPC.ToGRPCConfig(cfg.Server.Host, cfg.Tracing.Enabled), log, grpcOpts...)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("create grpc server: %w", err)
		}
		a.grpc.Health().Update(facade.Statuses())
	}

	return a, nil
}

// start launches the servers and background loops. Server failures are
// sent on the returned channel.
func (a *app) start(ctx context.Context) <-chan error {
	errCh := make(chan error, 2)

	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.goRun(func() { a.ws.Forward(ctx, a.events) })

	a.goRun(func() {
		if err := a.http.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	})

	if a.grpc != nil {
		if err := a.grpc.Start(); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}

	if a.cfg.Consolidation.Enabled {
		if err := a.startScheduler(ctx, a.cfg.Consolidation.Schedule); err != nil {
			a.log.Error("consolidation scheduler not started", "error", err)
		}
	}

	if interval := a.cfg.Tiers.HealthCheckInterval; interval > 0 {
		a.goRun(func() { a.healthLoop(ctx, interval) })
	}

	return errCh
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *app) startScheduler(ctx context.Context, spec string) error {
	s, err := consolidation.NewSchedulerWithSpec(a.policy, spec)
	if err != nil {
		return err
	}
	a.mu.Lock()
	old := a.scheduler
	a.scheduler = s
	a.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	s.Start(ctx)
	return nil
}

func (a *app) stopScheduler() {
	a.mu.Lock()
	s := a.scheduler
	a.scheduler = nil
	a.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

func (a *app) healthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkTiers(ctx)
		}
	}
}

func (a *app) checkTiers(ctx context.Context) {
	statuses := a.facade.HealthCheck(ctx)
	a.recordStatuses(statuses)
	if a.grpc != nil {
		a.grpc.Health().Update(statuses)
	}
}

func (a *app) recordStatuses(statuses []manager.TierStatus) {
	for _, s := range statuses {
		if s.State == manager.StateDisabled {
			continue
		}
		a.metrics.SetTierAvailable(s.Tier, s.Available())
	}
}

// applyConfig applies the hot-reloadable part of a reloaded configuration
// and reports the rest.
func (a *app) applyConfig(updated *config.Config) {
	a.mu.Lock()
	prev := a.hot
	next := config.ExtractHotReloadable(updated)
	a.hot = next
	ctx := a.runCtx
	a.mu.Unlock()

	if keys := config.RestartRequired(a.cfg, updated); len(keys) > 0 {
		a.log.Warn("configuration change requires a restart", "keys", keys)
	}
	if !prev.Changed(next) {
		return
	}

	if prev.LogLevel != next.LogLevel {
		logger.SetLevel(logger.ParseLevel(next.LogLevel))
		a.log.Info("log level changed", "level", next.LogLevel)
	}

	if prev.ConsolidationEnabled == next.ConsolidationEnabled && prev.ConsolidationSchedule == next.ConsolidationSchedule {
		return
	}
	if !next.ConsolidationEnabled {
		a.stopScheduler()
		a.log.Info("consolidation scheduler stopped")
		return
	}
	if ctx == nil {
		return
	}
	if err := a.startScheduler(ctx, next.ConsolidationSchedule); err != nil {
		a.log.Error("consolidation schedule not applied", "schedule", next.ConsolidationSchedule, "error", err)
	}
}

// shutdown stops accepting requests, then releases the tiers. The context
// given to start must be cancelled first.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	a.stopScheduler()

	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if a.grpc != nil {
		if err := a.grpc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("grpc server: %w", err))
		}
	}
	a.ws.Close()
	a.wg.Wait()

	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	a.events.Close()
	if err := a.facade.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.lockClient != nil {
		if err := a.lockClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock client: %w", err))
		}
	}
	return errors.Join(errs...)
}
