package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "tokenfcs-config-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(yaml)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
general:
  instance_id: "test-node"
  environment: "development"
  log_level: "debug"

graph:
  source: neo4j

neo4j:
  uri: "neo4j://localhost:7687"
  username: "neo4j"
  max_pool_size: 20

clickhouse:
  enabled: true
  dsn: "clickhouse://localhost:9000/indexer"
  stats_history: true

kafka:
  enabled: true
  brokers:
    - "localhost:19092"

redis:
  enabled: true
  addr: "redis:6379"

engine:
  max_page_size: 50
  request_timeout_ms: 1500
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, "neo4j://localhost:7687", cfg.Neo4j.URI)
	assert.Equal(t, 20, cfg.Neo4j.MaxPoolSize)
	assert.True(t, cfg.ClickHouse.Enabled)
	assert.True(t, cfg.ClickHouse.StatsHistory)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 50, cfg.Engine.MaxPageSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.RequestTimeout())
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
neo4j:
  uri: "neo4j://localhost:7687"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tokenfcs-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, SourceNeo4j, cfg.Graph.Source)
	assert.Equal(t, 50, cfg.Neo4j.MaxPoolSize)
	assert.Equal(t, 3*time.Hour, cfg.Neo4j.MaxConnectionLifetime())
	assert.Equal(t, 2*time.Minute, cfg.Neo4j.AcquisitionTimeout())
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout())
	assert.Equal(t, 10_000, cfg.Engine.MaxVisited)
	assert.Equal(t, 100, cfg.Engine.MaxPageSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_TOKENFCS_NEO4J_PASSWORD", "s3cret")

	path := writeConfig(t, `
neo4j:
  uri: "neo4j://localhost:7687"
  password: "${TEST_TOKENFCS_NEO4J_PASSWORD}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Neo4j.Password)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"neo4j without uri", "graph:\n  source: neo4j\n", "neo4j.uri"},
		{"fixture without path", "graph:\n  source: fixture\n", "fixture_path"},
		{"snapshot without path", "graph:\n  source: snapshot\n", "snapshot_path"},
		{"unknown source", "graph:\n  source: sqlite\n", "unknown graph source"},
		{"page size too large", "graph:\n  source: fixture\n  fixture_path: g.yaml\nengine:\n  max_page_size: 500\n", "max_page_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.yaml))
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/tokenfcs.yaml")
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, SourceNeo4j, cfg.Graph.Source)
	assert.Error(t, cfg.Validate(), "default neo4j source needs a uri")

	cfg.Graph.Source = SourceFixture
	cfg.Graph.FixturePath = "graph.yaml"
	assert.NoError(t, cfg.Validate())
}
