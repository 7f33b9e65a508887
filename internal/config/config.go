package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/llm"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

// Duration decodes from strings such as "4s" in both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return errors.Errorf("invalid duration %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", node.Value)
	}
	*d = Duration(v)
	return nil
}

type APIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
}

type GenerationConfig struct {
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64  `json:"multiplier" yaml:"multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

type ChunkConfig struct {
	Size     int    `json:"size" yaml:"size"`
	Overlap  int    `json:"overlap" yaml:"overlap"`
	Strategy string `json:"strategy" yaml:"strategy"`
}

type RetrievalConfig struct {
	TopK      int      `json:"top_k" yaml:"top_k"`
	Threshold float32  `json:"threshold" yaml:"threshold"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

type EmbeddingConfig struct {
	Dimension int `json:"dimension" yaml:"dimension"`
}

type IngestConfig struct {
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`
	Concurrency int   `json:"concurrency" yaml:"concurrency"`
	// MaxBatchFiles caps the files accepted by one batch upload.
	MaxBatchFiles int `json:"max_batch_files" yaml:"max_batch_files"`
}

type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type ExtractConfig struct {
	PDFToText string `json:"pdftotext" yaml:"pdftotext"`
}

type SQLiteConfig struct {
	Path  string `json:"path" yaml:"path"`
	Space string `json:"space" yaml:"space"`
}

type MilvusConfig struct {
	Address    string `json:"address" yaml:"address"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	DBName     string `json:"db_name" yaml:"db_name"`
	Collection string `json:"collection" yaml:"collection"`
}

type RedisConfig struct {
	URL          string   `json:"url" yaml:"url"`
	Index        string   `json:"index" yaml:"index"`
	Prefix       string   `json:"prefix" yaml:"prefix"`
	FilterFields []string `json:"filter_fields" yaml:"filter_fields"`
}

type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
	Table    string `json:"table" yaml:"table"`
}

// DSN renders the connection string for lib/pq.
func (p PostgresConfig) DSN() string {
	parts := []string{
		"host=" + quoteDSN(p.Host),
		"port=" + strconv.Itoa(p.Port),
	}
	if p.User != "" {
		parts = append(parts, "user="+quoteDSN(p.User))
	}
	if p.Password != "" {
		parts = append(parts, "password="+quoteDSN(p.Password))
	}
	if p.DBName != "" {
		parts = append(parts, "dbname="+quoteDSN(p.DBName))
	}
	parts = append(parts, "sslmode="+quoteDSN(p.SSLMode))
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

type Config struct {
	API        APIConfig        `json:"api" yaml:"api"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Retry      RetryConfig      `json:"retry" yaml:"retry"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Chunk      ChunkConfig      `json:"chunk" yaml:"chunk"`
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Extract    ExtractConfig    `json:"extract" yaml:"extract"`
	StoreType  string           `json:"store_type" yaml:"store_type"`
	SQLite     SQLiteConfig     `json:"sqlite" yaml:"sqlite"`
	Milvus     MilvusConfig     `json:"milvus" yaml:"milvus"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Postgres   PostgresConfig   `json:"postgres" yaml:"postgres"`
}

const (
	defaultTopK             = 5
	defaultThreshold        = 0.7
	defaultRetrievalTimeout = 30 * time.Second
	defaultDimension        = 1536
	defaultMaxFileSize      = 10 * 1024 * 1024
	defaultConcurrency      = 4
	defaultMaxBatchFiles    = 20
	defaultServerAddr       = ":8000"
	defaultShutdownTimeout  = 10 * time.Second
	defaultPDFToText        = "pdftotext"
	defaultStoreType        = store.BackendEmbedded
	defaultSQLitePath       = "ragpipe.db"
	defaultMilvusCollection = "segments"
	defaultRedisURL         = "redis://localhost:6379/0"
	defaultRedisIndex       = "segments_idx"
	defaultRedisPrefix      = "chunk:"
	defaultPostgresPort     = 5432
	defaultSSLMode          = "disable"
	defaultPostgresTable    = "segments"
)

// Default returns the configuration used when no file or environment
// overrides a value.
func Default() *Config {
	retry := llm.DefaultRetryPolicy()
	return &Config{
		Generation: GenerationConfig{
			Temperature: llm.DefaultTemperature,
			MaxTokens:   llm.DefaultMaxTokens,
		},
		Retry: RetryConfig{
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: Duration(retry.InitialBackoff),
			MaxBackoff:     Duration(retry.MaxBackoff),
			Multiplier:     retry.Multiplier,
		},
		RateLimit: RateLimitConfig{Burst: 1},
		Chunk: ChunkConfig{
			Size:     content.DefaultChunkSize,
			Overlap:  content.DefaultChunkOverlap,
			Strategy: string(content.StrategySliding),
		},
		Retrieval: RetrievalConfig{
			TopK:      defaultTopK,
			Threshold: defaultThreshold,
			Timeout:   Duration(defaultRetrievalTimeout),
		},
		Embedding: EmbeddingConfig{Dimension: defaultDimension},
		Ingest: IngestConfig{
			MaxFileSize:   defaultMaxFileSize,
			Concurrency:   defaultConcurrency,
			MaxBatchFiles: defaultMaxBatchFiles,
		},
		Server: ServerConfig{
			Addr:            defaultServerAddr,
			ShutdownTimeout: Duration(defaultShutdownTimeout),
		},
		Extract:   ExtractConfig{PDFToText: defaultPDFToText},
		StoreType: defaultStoreType,
		SQLite: SQLiteConfig{
			Path:  defaultSQLitePath,
			Space: string(store.SpaceCosine),
		},
		Milvus: MilvusConfig{Collection: defaultMilvusCollection},
		Redis: RedisConfig{
			URL:    defaultRedisURL,
			Index:  defaultRedisIndex,
			Prefix: defaultRedisPrefix,
		},
		Postgres: PostgresConfig{
			Port:    defaultPostgresPort,
			SSLMode: defaultSSLMode,
			Table:   defaultPostgresTable,
		},
	}
}

// LoadConfig layers defaults, the optional file at path and the environment.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, ragerr.Configuration("parse %s: %v", path, err)
			}
		case !os.IsNotExist(err):
			return nil, ragerr.Configuration("read %s: %v", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return ragerr.Configuration("%s must be an integer, got %q", key, v)
		}
		*dst = n
		return nil
	}

	setString("OPENAI_API_KEY", &cfg.API.APIKey)
	setString("OPENAI_API_BASE_URL", &cfg.API.BaseURL)
	setString("OPENAI_MODEL", &cfg.API.Model)
	setString("OPENAI_EMBEDDING_MODEL", &cfg.API.EmbeddingModel)

	setString("POSTGRES_HOST", &cfg.Postgres.Host)
	if err := setInt("POSTGRES_PORT", &cfg.Postgres.Port); err != nil {
		return err
	}
	setString("POSTGRES_USER", &cfg.Postgres.User)
	setString("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("POSTGRES_DBNAME", &cfg.Postgres.DBName)
	setString("POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	setString("POSTGRES_TABLE", &cfg.Postgres.Table)

	setString("RAG_STORE_TYPE", &cfg.StoreType)
	setString("RAG_SQLITE_PATH", &cfg.SQLite.Path)
	setString("MILVUS_ADDRESS", &cfg.Milvus.Address)
	setString("MILVUS_API_KEY", &cfg.Milvus.APIKey)
	setString("REDIS_URL", &cfg.Redis.URL)
	setString("RAG_SERVER_ADDR", &cfg.Server.Addr)
	return setInt("RAG_EMBEDDING_DIMENSION", &cfg.Embedding.Dimension)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if _, err := content.NewChunker(c.Chunk.Size, c.Chunk.Overlap); err != nil {
		return err
	}
	if _, err := content.ParseStrategy(c.Chunk.Strategy); err != nil {
		return err
	}
	if c.Embedding.Dimension <= 0 {
		return ragerr.Configuration("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Retrieval.TopK <= 0 {
		return ragerr.Configuration("retrieval top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return ragerr.Configuration("retrieval threshold must be within [0, 1], got %g", c.Retrieval.Threshold)
	}
	if c.Ingest.MaxFileSize <= 0 {
		return ragerr.Configuration("ingest max_file_size must be positive, got %d", c.Ingest.MaxFileSize)
	}
	if c.Ingest.MaxBatchFiles <= 0 {
		return ragerr.Configuration("ingest max_batch_files must be positive, got %d", c.Ingest.MaxBatchFiles)
	}

	switch c.StoreType {
	case store.BackendEmbedded, "":
		switch store.Space(c.SQLite.Space) {
		case store.SpaceCosine, store.SpaceIP, "":
		default:
			return ragerr.Configuration("unknown sqlite space %q", c.SQLite.Space)
		}
	case store.BackendRemoteANN:
		if c.Milvus.Address == "" {
			return ragerr.Configuration("milvus address is required for store type %q", c.StoreType)
		}
	case store.BackendKeyedSearch:
		if _, err := url.Parse(c.Redis.URL); err != nil || c.Redis.URL == "" {
			return ragerr.Configuration("redis url %q is invalid", c.Redis.URL)
		}
	case store.BackendPgvector, "postgres":
		if c.Postgres.Host == "" {
			return ragerr.Configuration("postgres host is required for store type %q", c.StoreType)
		}
	default:
		return ragerr.Configuration("unknown store type %q", c.StoreType)
	}
	return nil
}

func (c *Config) Strategy() content.Strategy {
	s, _ := content.ParseStrategy(c.Chunk.Strategy)
	return s
}

func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		APIKey:         c.API.APIKey,
		BaseURL:        c.API.BaseURL,
		Model:          c.API.Model,
		EmbeddingModel: c.API.EmbeddingModel,
		Retry: llm.RetryPolicy{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: c.Retry.InitialBackoff.Std(),
			MaxBackoff:     c.Retry.MaxBackoff.Std(),
			Multiplier:     c.Retry.Multiplier,
		},
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		Burst:             c.RateLimit.Burst,
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend:   c.StoreType,
		Dimension: c.Embedding.Dimension,
		Embedded: store.EmbeddedConfig{
			Path:  c.SQLite.Path,
			Space: store.Space(c.SQLite.Space),
		},
		Milvus: store.MilvusConfig{
			Address:    c.Milvus.Address,
			APIKey:     c.Milvus.APIKey,
			Username:   c.Milvus.Username,
			Password:   c.Milvus.Password,
			DBName:     c.Milvus.DBName,
			Collection: c.Milvus.Collection,
		},
		Redis: store.RedisConfig{
			URL:          c.Redis.URL,
			Index:        c.Redis.Index,
			Prefix:       c.Redis.Prefix,
			FilterFields: c.Redis.FilterFields,
		},
		Postgres: store.PostgresConfig{
			DSN:   c.Postgres.DSN(),
			Table: c.Postgres.Table,
		},
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("store=%s dim=%d chunk=%d/%d top_k=%d threshold=%g",
		c.StoreType, c.Embedding.Dimension, c.Chunk.Size, c.Chunk.Overlap, c.Retrieval.TopK, c.Retrieval.Threshold)
}
