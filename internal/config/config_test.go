package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

var envKeys = []string{
	"OPENAI_API_KEY", "OPENAI_API_BASE_URL", "OPENAI_MODEL", "OPENAI_EMBEDDING_MODEL",
	"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD",
	"POSTGRES_DBNAME", "POSTGRES_SSLMODE", "POSTGRES_TABLE",
	"RAG_STORE_TYPE", "RAG_SQLITE_PATH", "MILVUS_ADDRESS", "MILVUS_API_KEY",
	"REDIS_URL", "RAG_SERVER_ADDR", "RAG_EMBEDDING_DIMENSION",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, content.DefaultChunkSize, cfg.Chunk.Size)
	assert.Equal(t, content.DefaultChunkOverlap, cfg.Chunk.Overlap)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.7, cfg.Retrieval.Threshold, 1e-6)
	assert.Equal(t, store.BackendEmbedded, cfg.StoreType)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, int64(10*1024*1024), cfg.Ingest.MaxFileSize)
	assert.Equal(t, 20, cfg.Ingest.MaxBatchFiles)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.Retry.InitialBackoff.Std())
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff.Std())
	assert.Equal(t, content.StrategySliding, cfg.Strategy())
}

func TestLoadConfig_JSONAndYAML(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "config.json", `{
			"chunk": {"size": 400, "overlap": 40, "strategy": "sentence"},
			"retrieval": {"top_k": 3, "threshold": 0.5, "timeout": "2s"},
			"retry": {"initial_backoff": 1.5},
			"store_type": "keyed-search",
			"redis": {"url": "redis://cache:6379/1", "filter_fields": ["file_type"]}
		}`},
		{"yaml", "config.yaml", `
chunk:
  size: 400
  overlap: 40
  strategy: sentence
retrieval:
  top_k: 3
  threshold: 0.5
  timeout: 2s
retry:
  initial_backoff: 1.5
store_type: keyed-search
redis:
  url: redis://cache:6379/1
  filter_fields: [file_type]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeFile(t, tt.file, tt.body))
			require.NoError(t, err)

			assert.Equal(t, 400, cfg.Chunk.Size)
			assert.Equal(t, 40, cfg.Chunk.Overlap)
			assert.Equal(t, content.StrategySentence, cfg.Strategy())
			assert.Equal(t, 3, cfg.Retrieval.TopK)
			assert.Equal(t, 2*time.Second, cfg.Retrieval.Timeout.Std())
			assert.Equal(t, 1500*time.Millisecond, cfg.Retry.InitialBackoff.Std())
			assert.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff.Std(), "unset fields keep defaults")

			sc := cfg.StoreConfig()
			assert.Equal(t, store.BackendKeyedSearch, sc.Backend)
			assert.Equal(t, "redis://cache:6379/1", sc.Redis.URL)
			assert.Equal(t, []string{"file_type"}, sc.Redis.FilterFields)
			assert.Equal(t, "segments_idx", sc.Redis.Index)
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("RAG_STORE_TYPE", "pgvector")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("RAG_EMBEDDING_DIMENSION", "768")

	cfg, err := LoadConfig(writeFile(t, "config.json", `{"api": {"api_key": "from-file"}}`))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.API.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMConfig().Model)
	assert.Equal(t, 768, cfg.StoreConfig().Dimension)
	assert.Equal(t, "host=db port=6543 sslmode=disable", cfg.Postgres.DSN())

	t.Setenv("POSTGRES_PORT", "not-a-port")
	_, err = LoadConfig("")
	assert.True(t, ragerr.IsCode(err, ragerr.CodeConfiguration))
}

func TestLoadConfig_ParseError(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(writeFile(t, "config.json", `{"chunk":`))
	assert.True(t, ragerr.IsCode(err, ragerr.CodeConfiguration))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.Chunk.Overlap = c.Chunk.Size }},
		{"non-positive size", func(c *Config) { c.Chunk.Size = 0 }},
		{"unknown strategy", func(c *Config) { c.Chunk.Strategy = "paragraph" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"zero batch files", func(c *Config) { c.Ingest.MaxBatchFiles = 0 }},
		{"threshold above one", func(c *Config) { c.Retrieval.Threshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Retrieval.Threshold = -0.1 }},
		{"unknown store", func(c *Config) { c.StoreType = "json" }},
		{"unknown space", func(c *Config) { c.SQLite.Space = "l2" }},
		{"milvus without address", func(c *Config) { c.StoreType = store.BackendRemoteANN }},
		{"postgres without host", func(c *Config) { c.StoreType = store.BackendPgvector }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, ragerr.IsCode(err, ragerr.CodeConfiguration), "got %v", err)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestPostgresDSN_Quotes(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "rag", Password: "it's secret", DBName: "rag", SSLMode: "require"}
	assert.Equal(t, `host=db port=5432 user=rag password='it\'s secret' dbname=rag sslmode=require`, p.DSN())
}
