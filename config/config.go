// Package config provides configuration management for tiermem.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for tiermem.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP/gRPC server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage holds the naming and privacy settings shared by every tier.
	Storage StorageConfig `mapstructure:"storage" validate:"required"`

	// Tiers configures the backing stores of the three memory tiers.
	Tiers TiersConfig `mapstructure:"tiers" validate:"required"`

	// Consolidation configures the promotion/expiry pipeline.
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata.
type AppConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig holds the HTTP/gRPC server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host" validate:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	GRPC GRPCConfig `mapstructure:"grpc"`
	HTTP HTTPConfig `mapstructure:"http"`
	CORS CORSConfig `mapstructure:"cors"`
}

// GRPCConfig holds gRPC-specific settings. The gRPC listener only serves the
// standard health service, one entry per tier.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`

	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// MaxRecvMsgSize is the maximum message size the server can receive (bytes).
	MaxRecvMsgSize int `mapstructure:"max_recv_msg_size" validate:"min=0"`

	// MaxSendMsgSize is the maximum message size the server can send (bytes).
	MaxSendMsgSize int `mapstructure:"max_send_msg_size" validate:"min=0"`

	// EnableReflection enables gRPC server reflection for debugging.
	EnableReflection bool `mapstructure:"enable_reflection"`

	RateLimit GRPCRateLimitConfig `mapstructure:"rate_limit"`
}

// GRPCRateLimitConfig holds per-client rate limiting settings.
type GRPCRateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	Burst             int     `mapstructure:"burst" validate:"min=0"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds a single API request, including fan-out queries.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxBodyBytes limits the size of request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=0"`

	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds the settings every component receives through
// memory.StorageConfig. It is read once at startup.
type StorageConfig struct {
	// Environment is one of dev, staging, prod.
	Environment string `mapstructure:"environment" validate:"required,oneof=dev staging prod"`

	// Namespace is the tenant or project identifier used in location names.
	Namespace string `mapstructure:"namespace" validate:"required,namespace"`

	// EnableDevNotes accepts the dev_note item type.
	EnableDevNotes bool `mapstructure:"enable_dev_notes"`

	// DefaultPrivacyLevel applies when a caller does not set one.
	DefaultPrivacyLevel string `mapstructure:"default_privacy_level" validate:"oneof=public standard sensitive"`

	// EnforcePrivacyClassification turns on redaction and refusal of unsafe content.
	EnforcePrivacyClassification bool `mapstructure:"enforce_privacy_classification"`
}

// TiersConfig configures the three memory tiers and the guard placed in
// front of each of them.
type TiersConfig struct {
	// Timeout bounds every single tier operation.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`

	// ExpiryGrace is added to logical deadlines when setting physical TTLs,
	// so consolidation can still see logically expired items.
	ExpiryGrace time.Duration `mapstructure:"expiry_grace" validate:"gte=0"`

	// HealthCheckInterval is how often tiers are pinged and unavailable
	// ones reconnected. Zero disables the loop.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"gte=0"`

	Breaker BreakerConfig `mapstructure:"breaker"`

	ShortTerm ShortTermConfig `mapstructure:"short_term"`
	MidTerm   MidTermConfig   `mapstructure:"mid_term"`
	LongTerm  LongTermConfig  `mapstructure:"long_term"`
}

// BreakerConfig configures the per-tier circuit breaker.
type BreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `mapstructure:"max_requests" validate:"min=1"`

	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gt=0"`

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures" validate:"min=1"`
}

// ShortTermConfig configures the hot cache tier.
type ShortTermConfig struct {
	// Backend is redis or memory.
	Backend string `mapstructure:"backend" validate:"oneof=redis memory"`

	// TTL is the default logical lifetime of a new item.
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// Capacity is the item count above which least recently used items are evicted.
	Capacity int `mapstructure:"capacity" validate:"min=1"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address      string        `mapstructure:"address" validate:"host"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size" validate:"min=0"`
}

// MidTermConfig configures the episodic document tier.
type MidTermConfig struct {
	// Backend is badger or sqlite.
	Backend string `mapstructure:"backend" validate:"oneof=badger sqlite"`

	// Retention is how long an item stays before consolidation evaluates it.
	Retention time.Duration `mapstructure:"retention" validate:"gt=0"`

	Badger BadgerConfig `mapstructure:"badger"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	InMemory   bool `mapstructure:"in_memory"`
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:".
	Path string `mapstructure:"path"`
}

// LongTermConfig configures the semantic vector tier.
type LongTermConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path persists the vector store to disk. Empty keeps it in memory.
	Path string `mapstructure:"path"`

	// Compress gzips persisted collections.
	Compress bool `mapstructure:"compress"`

	Embedder EmbedderConfig `mapstructure:"embedder"`
}

// EmbedderConfig selects the embedding provider used during promotion and
// for text queries against the long-term tier.
type EmbedderConfig struct {
	// Provider is hash, ollama, openai or openai_compat.
	Provider string `mapstructure:"provider" validate:"oneof=hash ollama openai openai_compat"`

	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	// Dimensions applies to the hash provider.
	Dimensions int `mapstructure:"dimensions" validate:"min=0"`
}

// ConsolidationConfig configures the background promotion pipeline.
type ConsolidationConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Schedule is a cron expression ("0 * * * *"), a descriptor ("@every 1h")
	// or a plain duration ("1h").
	Schedule string `mapstructure:"schedule"`

	// PromoteMinAccesses is the short-term access count at which an expired
	// item moves to mid-term instead of being dropped.
	PromoteMinAccesses int `mapstructure:"promote_min_accesses" validate:"min=1"`

	// LongTermMinRetrievals is the mid-term retrieval count at which an item
	// past retention is embedded and moved to long-term.
	LongTermMinRetrievals int `mapstructure:"long_term_min_retrievals" validate:"min=1"`

	// RunTimeout bounds one consolidation run.
	RunTimeout time.Duration `mapstructure:"run_timeout" validate:"gt=0"`

	// LockTTL is the lease held by the running instance.
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter; only otlpgrpc is supported.
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc"`

	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout"`

	// Sampler is parentbased_traceidratio, always_on or always_off.
	Sampler    string  `mapstructure:"sampler" validate:"omitempty,oneof=parentbased_traceidratio always_on always_off"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// String returns a string representation of the configuration without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Namespace: %s, ShortTerm: %s, MidTerm: %s, LongTerm: %t}",
		c.App.Name, c.Server.Port, c.Storage.Environment, c.Storage.Namespace,
		c.Tiers.ShortTerm.Backend, c.Tiers.MidTerm.Backend, c.Tiers.LongTerm.Enabled)
}
