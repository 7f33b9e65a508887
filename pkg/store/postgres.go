package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const (
	pgvectorName         = "pgvector"
	sqlParamStartIndex   = 2
	defaultPgvectorTable = "segments"
)

type PostgresConfig struct {
	DSN   string
	Table string
}

type pgStore struct {
	db        *sql.DB
	tableName string
	dim       int
	logger    *slog.Logger
}

// NewPostgresStore connects to Postgres and prepares the pgvector table.
// pgvector reports cosine distance, which is normalized on the way out.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, dim int) (Store, error) {
	table := cfg.Table
	if table == "" {
		table = defaultPgvectorTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, ragerr.Configuration("invalid postgres table name %q", table)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, ragerr.StoreUnavailable(pgvectorName, opInit, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ragerr.StoreUnavailable(pgvectorName, opInit, err)
	}

	s := &pgStore{
		db:        db,
		tableName: table,
		dim:       dim,
		logger:    slog.Default().With("backend", pgvectorName),
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, ragerr.StoreUnavailable(pgvectorName, opInit, err)
	}

	return s, nil
}

func (s *pgStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return errors.Wrap(err, "create vector extension")
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)`, s.tableName, s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_id_idx ON %s (doc_id)`, s.tableName, s.tableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.tableName, s.tableName),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "prepare table %s", s.tableName)
		}
	}
	return nil
}

func (s *pgStore) Name() string { return pgvectorName }

func (s *pgStore) Store(ctx context.Context, segments []Segment) error {
	if err := validateSegments(segments, s.dim); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	if err := s.upsert(ctx, segments); err != nil {
		return ragerr.StoreUnavailable(pgvectorName, opStore, err)
	}
	s.logger.Debug("stored segments", "count", len(segments))
	return nil
}

func (s *pgStore) upsert(ctx context.Context, segments []Segment) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc_id, position, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			doc_id = EXCLUDED.doc_id,
			position = EXCLUDED.position,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			created_at = CURRENT_TIMESTAMP
	`, s.tableName)

	for _, seg := range segments {
		metaJSON, err := json.Marshal(metadataOf(seg))
		if err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx, query,
			seg.ID, seg.DocumentID, seg.Position, seg.Text, pgvector.NewVector(seg.Vector), metaJSON,
		); err != nil {
			return errors.Wrapf(err, "upsert segment %s", seg.ID)
		}
	}

	return txn.Commit()
}

func (s *pgStore) Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]Result, error) {
	if err := validateQuery(vector, s.dim, topK); err != nil {
		return nil, err
	}
	clauses, err := parseFilters(filters)
	if err != nil {
		return nil, err
	}

	where, args := buildWhere(clauses, sqlParamStartIndex)
	query := fmt.Sprintf(`
		SELECT id, doc_id, content, metadata, embedding <=> $1 AS distance
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT %d
	`, s.tableName, where, topK)

	fullArgs := append([]any{pgvector.NewVector(vector)}, args...)

	rows, err := s.db.QueryContext(ctx, query, fullArgs...)
	if err != nil {
		return nil, ragerr.StoreUnavailable(pgvectorName, opSearch, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			res      Result
			meta     []byte
			distance float64
		)
		if err := rows.Scan(&res.SegmentID, &res.DocumentID, &res.Text, &meta, &distance); err != nil {
			return nil, ragerr.StoreUnavailable(pgvectorName, opSearch, err)
		}
		if err := json.Unmarshal(meta, &res.Metadata); err != nil {
			return nil, ragerr.StoreUnavailable(pgvectorName, opSearch, errors.Wrap(err, "decode metadata"))
		}
		res.Score = Normalize(Distance, float32(distance))
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.StoreUnavailable(pgvectorName, opSearch, err)
	}

	return finalize(results, topK), nil
}

func (s *pgStore) DeleteDocument(ctx context.Context, documentID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, documentID); err != nil {
		return ragerr.StoreUnavailable(pgvectorName, opDelete, err)
	}
	return nil
}

func (s *pgStore) DeleteStale(ctx context.Context, documentID string, keep int) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1 AND position >= $2", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, documentID, keep); err != nil {
		return ragerr.StoreUnavailable(pgvectorName, opDelete, err)
	}
	return nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

// buildWhere renders clauses as JSONB text comparisons with placeholders
// numbered from start.
func buildWhere(clauses []filterClause, start int) (string, []any) {
	if len(clauses) == 0 {
		return "", nil
	}

	conditions := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses))
	i := start
	for _, c := range clauses {
		conditions = append(conditions, fmt.Sprintf("metadata->>'%s' = $%d", c.Key, i))
		args = append(args, scalarString(c.Value))
		i++
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}
