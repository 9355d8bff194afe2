package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired
	Tier Tier `json:"tier"`

	// Component configurations
	Graph      GraphConfig      `json:"graph"`
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	KB         KBConfig         `json:"kb"`

	// Engine settings
	Penetration PenetrationConfig `json:"penetration"`
	Resolve     ResolveConfig     `json:"resolve"`
	Worker      WorkerConfig      `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// KBConfig locates the rule knowledge base.
type KBConfig struct {
	// Source is "file" or "repository".
	Source string `json:"source"`

	// Dir holds rules.json, lists.json, taxonomy.json and name_watchlist.json.
	Dir string `json:"dir"`
}

// PenetrationConfig holds request defaults for the penetration engine.
type PenetrationConfig struct {
	DefaultDepth    int `json:"defaultDepth"`
	DefaultMaxPaths int `json:"defaultMaxPaths"`
}

// ResolveConfig holds request defaults for the resolution engine.
type ResolveConfig struct {
	DefaultTopK int `json:"defaultTopK"`
}

// WorkerConfig holds async risk worker settings.
type WorkerConfig struct {
	Enabled bool `json:"enabled"`

	// AlertThreshold is the score (0-100) at or above which an evaluation alerts.
	AlertThreshold float64 `json:"alertThreshold"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels with no external services
	TierCommunity Tier = "community"

	// TierPro uses Neo4j + PostgreSQL + NATS + Redis and an embedding provider
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Graph: GraphConfig{
			Driver: "sql",
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Embedding: EmbeddingConfig{
			TimeoutSecs:   30,
			MaxConcurrent: 4,
		},
		KB: KBConfig{
			Source: "file",
			Dir:    "./kb",
		},
		Penetration: PenetrationConfig{
			DefaultDepth:    3,
			DefaultMaxPaths: 3,
		},
		Resolve: ResolveConfig{
			DefaultTopK: 5,
		},
		Worker: WorkerConfig{
			AlertThreshold: 70,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Graph = GraphConfig{
		Driver:        "neo4j",
		Neo4jURI:      "bolt://localhost:7687",
		Neo4jUser:     "neo4j",
		Neo4jDatabase: "neo4j",
		MaxPoolSize:   50,
	}
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.Embedding.CacheTTL = 3600
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
