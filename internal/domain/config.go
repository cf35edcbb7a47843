package domain

import "time"

// Config holds the complete ringwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which infrastructure backs the service
	Tier Tier `json:"tier"`

	// Detection thresholds
	Detection DetectionConfig `json:"detection"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	GraphStore GraphStoreConfig `json:"graphStore"`
	Model      ModelConfig      `json:"model"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// MaxUploadBytes bounds CSV and JSON request bodies.
	MaxUploadBytes int64 `json:"maxUploadBytes"`

	// RateLimit is the number of analysis requests allowed per client per
	// RateWindow. Zero disables limiting.
	RateLimit  int64         `json:"rateLimit"`
	RateWindow time.Duration `json:"rateWindow"`

	// ReportTTL is how long analysis reports stay cached by input digest.
	ReportTTL time.Duration `json:"reportTtl"`

	// MaxRows bounds the transactions accepted in one request.
	MaxRows int `json:"maxRows"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `json:"trustProxyHeaders"`
}

// GraphStoreConfig configures the optional investigator graph export.
type GraphStoreConfig struct {
	Enabled        bool   `json:"enabled"`
	URI            string `json:"uri"`
	Database       string `json:"database"`
	Username       string `json:"username"`
	Password       string `json:"-"`
	MaxConnections int    `json:"maxConnections"`
}

// WorkerConfig controls how analyses are executed.
type WorkerConfig struct {
	// Async queues analyses on the event bus instead of running them in
	// the request.
	Async bool `json:"async"`

	// AlertRisk is the ring risk at or above which a ring alert is published.
	AlertRisk float64 `json:"alertRisk"`
}

// ModelConfig points at the optional logistic model artifact.
type ModelConfig struct {
	Path string `json:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   60,
			MaxUploadBytes: 64 << 20,
			RateLimit:      120,
			RateWindow:     time.Minute,
			ReportTTL:      30 * time.Minute,
			MaxRows:        200000,
		},
		Tier:      TierCommunity,
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ringwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 256,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 64,
		},
		Model: ModelConfig{
			Path: "./models/ring_model.json",
		},
		Worker: WorkerConfig{
			AlertRisk: 0.8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ringwatch",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "ringwatch",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   64,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "ringwatch-workers",
	}
	cfg.GraphStore = GraphStoreConfig{
		Enabled:        true,
		URI:            "bolt://localhost:7687",
		Database:       "neo4j",
		MaxConnections: 20,
	}
	cfg.Worker.Async = true
	cfg.Tracing.Enabled = true
	return cfg
}
