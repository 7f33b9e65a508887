package store

import (
	"context"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const (
	BackendEmbedded    = "embedded"
	BackendRemoteANN   = "remote-ann"
	BackendKeyedSearch = "keyed-search"
	BackendPgvector    = "pgvector"
)

// Config selects a backend and carries the settings of every backend.
type Config struct {
	Backend   string
	Dimension int
	Embedded  EmbeddedConfig
	Milvus    MilvusConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Dimension <= 0 {
		return nil, ragerr.Configuration("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	switch cfg.Backend {
	case BackendEmbedded, "":
		return NewEmbeddedStore(ctx, cfg.Embedded, cfg.Dimension)
	case BackendRemoteANN:
		return NewMilvusStore(ctx, cfg.Milvus, cfg.Dimension)
	case BackendKeyedSearch:
		return NewRedisStore(ctx, cfg.Redis, cfg.Dimension)
	case BackendPgvector, "postgres":
		return NewPostgresStore(ctx, cfg.Postgres, cfg.Dimension)
	}
	return nil, ragerr.Configuration("unknown store backend %q", cfg.Backend)
}
