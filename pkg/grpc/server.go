// Package grpc serves tier health over the standard gRPC health protocol.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/orchestra/tiermem/pkg/grpc/interceptors"
	"github.com/orchestra/tiermem/pkg/logger"
)

// Server represents a gRPC server instance
type Server struct {
	config       *Config
	logger       logger.Logger
	registerer   prometheus.Registerer
	grpcSrv      *grpc.Server
	listener     net.Listener
	healthServer *HealthServer
	mu           sync.RWMutex
	running      bool
}

// Option configures a Server.
type Option func(*Server)

// WithRegisterer records call metrics into the given registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerer = r
	}
}

// New creates a new gRPC server with the given configuration
func New(cfg *Config, log logger.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		config:       cfg,
		logger:       log.With("component", "grpc"),
		healthServer: NewHealthServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Health returns the tier health server. It is usable before Start.
func (s *Server) Health() *HealthServer {
	return s.healthServer
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.grpcSrv = grpc.NewServer(s.buildServerOptions()...)
	grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.healthServer.GetServer())

	if s.config.EnableReflection {
		reflection.Register(s.grpcSrv)
	}

	s.running = true

	srv := s.grpcSrv
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server stopped serving", "error", err)
		}
	}()

	s.logger.Info("grpc server listening", "address", listener.Addr().String())
	return nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.healthServer.Shutdown()
	s.running = false

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcSrv.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// Address returns the server's listening address
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// buildServerOptions constructs gRPC server options from config
func (s *Server) buildServerOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption

	if ka := s.config.Keepalive; ka != nil {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     ka.MaxIdle,
				MaxConnectionAge:      ka.MaxAge,
				MaxConnectionAgeGrace: ka.MaxAgeGrace,
				Time:                  ka.Time,
				Timeout:               ka.Timeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             ka.MinTime,
				PermitWithoutStream: ka.PermitWithoutStream,
			}),
		)
	}

	if s.config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize))
	}
	if s.config.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(s.config.MaxSendMsgSize))
	}

	chain := interceptors.NewChainBuilder().
		WithRecovery(s.logger).
		WithRequestID()
	if s.config.EnableTracing {
		chain = chain.WithTracing()
	}
	if rl := s.config.RateLimit; rl.Enabled {
		chain = chain.WithRateLimit(rl.RequestsPerSecond, rl.Burst)
	}
	chain = chain.WithLogging(s.logger)
	if s.registerer != nil {
		chain = chain.WithMetrics(interceptors.NewMetrics(s.registerer))
	}

	return append(opts, chain.Build()...)
}
