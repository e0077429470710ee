package config

import "time"

// DefaultConfig returns a Config with defaults suitable for a single-node
// development instance.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:    "tiermem",
			Version: "dev",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			GRPC: GRPCConfig{
				Enabled:        false,
				Port:           9090,
				MaxRecvMsgSize: 4 * 1024 * 1024,
				MaxSendMsgSize: 4 * 1024 * 1024,
				RateLimit: GRPCRateLimitConfig{
					Enabled:           false,
					RequestsPerSecond: 50,
					Burst:             100,
				},
			},
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				RequestTimeout:  10 * time.Second,
				MaxBodyBytes:    1 << 20,
				MaxHeaderBytes:  1 << 20,
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Environment:                  "dev",
			Namespace:                    "default",
			EnableDevNotes:               false,
			DefaultPrivacyLevel:          "standard",
			EnforcePrivacyClassification: true,
		},
		Tiers: TiersConfig{
			Timeout:             3 * time.Second,
			ExpiryGrace:         24 * time.Hour,
			HealthCheckInterval: 15 * time.Second,
			Breaker: BreakerConfig{
				Enabled:             true,
				MaxRequests:         1,
				Interval:            time.Minute,
				OpenTimeout:         30 * time.Second,
				ConsecutiveFailures: 5,
			},
			ShortTerm: ShortTermConfig{
				Backend:  "memory",
				TTL:      time.Hour,
				Capacity: 10000,
				Redis: RedisConfig{
					Address:      "localhost:6379",
					DialTimeout:  2 * time.Second,
					ReadTimeout:  time.Second,
					WriteTimeout: time.Second,
				},
			},
			MidTerm: MidTermConfig{
				Backend:   "badger",
				Retention: 30 * 24 * time.Hour,
				Badger: BadgerConfig{
					Path:             "./data/midterm",
					SyncWrites:       true,
					ValueLogFileSize: 256 << 20,
				},
				SQLite: SQLiteConfig{
					Path: "./data/midterm.db",
				},
			},
			LongTerm: LongTermConfig{
				Enabled: true,
				Path:    "./data/longterm",
				Embedder: EmbedderConfig{
					Provider:   "hash",
					Dimensions: 256,
				},
			},
		},
		Consolidation: ConsolidationConfig{
			Enabled:               true,
			Schedule:              "@every 1h",
			PromoteMinAccesses:    3,
			LongTermMinRetrievals: 1,
			RunTimeout:            10 * time.Minute,
			LockTTL:               15 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
