package config

import (
	"fmt"

	grpcpkg "github.com/orchestra/tiermem/pkg/grpc"
)

// ToGRPCConfig converts config.GRPCConfig to pkg/grpc.Config. Keepalive
// settings keep the server defaults.
func (g *GRPCConfig) ToGRPCConfig(host string, enableTracing bool) *grpcpkg.Config {
	cfg := grpcpkg.DefaultConfig()
	cfg.Address = fmt.Sprintf("%s:%d", host, g.Port)
	cfg.MaxRecvMsgSize = g.MaxRecvMsgSize
	cfg.MaxSendMsgSize = g.MaxSendMsgSize
	cfg.EnableReflection = g.EnableReflection
	cfg.EnableTracing = enableTracing
	cfg.RateLimit = grpcpkg.RateLimitConfig{
		Enabled:           g.RateLimit.Enabled,
		RequestsPerSecond: g.RateLimit.RequestsPerSecond,
		Burst:             g.RateLimit.Burst,
	}
	return cfg
}
