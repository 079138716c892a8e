package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Graph sources.
const (
	SourceNeo4j    = "neo4j"
	SourceFixture  = "fixture"
	SourceSnapshot = "snapshot"
)

// Config is the root configuration structure for tokenfcs.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Graph      GraphConfig      `yaml:"graph"`
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Engine     EngineConfig     `yaml:"engine"`
	HTTP       HTTPConfig       `yaml:"http"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type GraphConfig struct {
	Source       string `yaml:"source"` // neo4j|fixture|snapshot
	FixturePath  string `yaml:"fixture_path"`
	SnapshotPath string `yaml:"snapshot_path"`
}

type Neo4jConfig struct {
	URI                    string `yaml:"uri"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	Database               string `yaml:"database"`
	MaxPoolSize            int    `yaml:"max_pool_size"`
	MaxConnectionLifetimeS int    `yaml:"max_connection_lifetime_s"`
	AcquisitionTimeoutS    int    `yaml:"acquisition_timeout_s"`
}

type ClickHouseConfig struct {
	// Enabled routes token and holding reads to ClickHouse.
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	// Database qualifies table names; empty uses the DSN default.
	Database        string `yaml:"database"`
	StatsHistory    bool   `yaml:"stats_history"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	ProducerConfig struct {
		LingerMs           int `yaml:"linger_ms"`
		MaxBufferedRecords int `yaml:"max_buffered_records"`
	} `yaml:"producer"`
	ConsumerConfig struct {
		GroupID string `yaml:"group_id"`
	} `yaml:"consumer"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_s"`
	MaxEntries int  `yaml:"max_entries"` // in-memory backend only
}

type EngineConfig struct {
	RequestTimeoutMs  int `yaml:"request_timeout_ms"`
	MaxVisited        int `yaml:"max_visited"`
	EnrichConcurrency int `yaml:"enrich_concurrency"`
	MaxPageSize       int `yaml:"max_page_size"`
}

type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	StreamRefreshS  int    `yaml:"stream_refresh_s"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_s"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with every default applied. It is used
// when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate reports settings that cannot work together. It is separate from
// Load so that command-line overrides can be applied first.
func (c *Config) Validate() error {
	switch c.Graph.Source {
	case SourceNeo4j:
		if c.Neo4j.URI == "" {
			return fmt.Errorf("config: neo4j.uri is required for graph source %q", c.Graph.Source)
		}
	case SourceFixture:
		if c.Graph.FixturePath == "" {
			return fmt.Errorf("config: graph.fixture_path is required for graph source %q", c.Graph.Source)
		}
	case SourceSnapshot:
		if c.Graph.SnapshotPath == "" {
			return fmt.Errorf("config: graph.snapshot_path is required for graph source %q", c.Graph.Source)
		}
	default:
		return fmt.Errorf("config: unknown graph source %q", c.Graph.Source)
	}
	if c.Engine.MaxPageSize > 100 {
		return fmt.Errorf("config: engine.max_page_size %d exceeds 100", c.Engine.MaxPageSize)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "tokenfcs-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Graph.Source == "" {
		cfg.Graph.Source = SourceNeo4j
	}
	if cfg.Neo4j.MaxPoolSize == 0 {
		cfg.Neo4j.MaxPoolSize = 50
	}
	if cfg.Neo4j.MaxConnectionLifetimeS == 0 {
		cfg.Neo4j.MaxConnectionLifetimeS = 3 * 60 * 60
	}
	if cfg.Neo4j.AcquisitionTimeoutS == 0 {
		cfg.Neo4j.AcquisitionTimeoutS = 2 * 60
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/tokenfcs"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushIntervalMs == 0 {
		cfg.ClickHouse.FlushIntervalMs = 10_000
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ProducerConfig.LingerMs == 0 {
		cfg.Kafka.ProducerConfig.LingerMs = 5
	}
	if cfg.Kafka.ConsumerConfig.GroupID == "" {
		cfg.Kafka.ConsumerConfig.GroupID = "tokenfcs-invalidation"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Namespace == "" {
		cfg.Redis.Namespace = "tokenfcs"
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1024
	}
	if cfg.Engine.RequestTimeoutMs == 0 {
		cfg.Engine.RequestTimeoutMs = 30_000
	}
	if cfg.Engine.MaxVisited == 0 {
		cfg.Engine.MaxVisited = 10_000
	}
	if cfg.Engine.EnrichConcurrency == 0 {
		cfg.Engine.EnrichConcurrency = 8
	}
	if cfg.Engine.MaxPageSize == 0 {
		cfg.Engine.MaxPageSize = 100
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.StreamRefreshS == 0 {
		cfg.HTTP.StreamRefreshS = 30
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// MaxConnectionLifetime returns the Neo4j connection lifetime.
func (c Neo4jConfig) MaxConnectionLifetime() time.Duration {
	return seconds(c.MaxConnectionLifetimeS)
}

// AcquisitionTimeout returns the Neo4j pool acquisition timeout.
func (c Neo4jConfig) AcquisitionTimeout() time.Duration { return seconds(c.AcquisitionTimeoutS) }

// FlushInterval returns the stats history flush interval.
func (c ClickHouseConfig) FlushInterval() time.Duration { return milliseconds(c.FlushIntervalMs) }

// Linger returns the producer linger.
func (c KafkaConfig) Linger() time.Duration { return milliseconds(c.ProducerConfig.LingerMs) }

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }

// RequestTimeout returns the per-request engine timeout.
func (c EngineConfig) RequestTimeout() time.Duration { return milliseconds(c.RequestTimeoutMs) }

// StreamRefresh returns how often stream clients get a fresh snapshot
// without an invalidation.
func (c HTTPConfig) StreamRefresh() time.Duration { return seconds(c.StreamRefreshS) }
