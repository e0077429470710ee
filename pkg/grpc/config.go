package grpc

import (
	"fmt"
	"time"
)

// Config holds gRPC server configuration
type Config struct {
	// Address is the server listening address (e.g., ":9090")
	Address string

	// Keepalive settings
	Keepalive *KeepaliveConfig

	// MaxRecvMsgSize is the maximum message size the server can receive (bytes)
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size the server can send (bytes)
	MaxSendMsgSize int

	// EnableReflection enables gRPC server reflection for debugging
	EnableReflection bool

	// EnableTracing continues incoming W3C trace context into server spans
	EnableTracing bool

	RateLimit RateLimitConfig
}

// RateLimitConfig limits calls per client host.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// KeepaliveConfig holds keepalive configuration
type KeepaliveConfig struct {
	// MaxIdle is the maximum idle time before closing a connection
	MaxIdle time.Duration

	// MaxAge is the maximum connection age
	MaxAge time.Duration

	// MaxAgeGrace is the grace period for closing aged connections
	MaxAgeGrace time.Duration

	// Time is the keepalive ping interval
	Time time.Duration

	// Timeout is the keepalive ping timeout
	Timeout time.Duration

	// MinTime is the minimum time between client pings
	MinTime time.Duration

	// PermitWithoutStream allows pings without active streams
	PermitWithoutStream bool
}

// DefaultConfig returns a default gRPC server configuration
func DefaultConfig() *Config {
	return &Config{
		Address:        ":9090",
		MaxRecvMsgSize: 4 * 1024 * 1024, // 4MB
		MaxSendMsgSize: 4 * 1024 * 1024, // 4MB
		Keepalive: &KeepaliveConfig{
			MaxIdle:     5 * time.Minute,
			MaxAge:      time.Hour,
			MaxAgeGrace: time.Minute,
			Time:        time.Minute,
			Timeout:     20 * time.Second,
			MinTime:     30 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if c.MaxRecvMsgSize < 0 {
		return fmt.Errorf("max recv message size cannot be negative")
	}

	if c.MaxSendMsgSize < 0 {
		return fmt.Errorf("max send message size cannot be negative")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests per second and burst")
	}

	if c.Keepalive != nil {
		if err := c.Keepalive.Validate(); err != nil {
			return fmt.Errorf("invalid keepalive config: %w", err)
		}
	}

	return nil
}

// Validate validates keepalive configuration
func (k *KeepaliveConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"max idle":      k.MaxIdle,
		"max age":       k.MaxAge,
		"max age grace": k.MaxAgeGrace,
		"time":          k.Time,
		"timeout":       k.Timeout,
		"min time":      k.MinTime,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	if k.Timeout > 0 && k.Time > 0 && k.Timeout >= k.Time {
		return fmt.Errorf("timeout must be less than ping interval")
	}

	return nil
}
