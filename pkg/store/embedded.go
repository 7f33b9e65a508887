package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const embeddedName = "embedded"

// Space selects the native metric of the embedded index.
type Space string

const (
	// SpaceCosine reports cosine distance.
	SpaceCosine Space = "cosine"
	// SpaceIP reports inner product, a relevance score.
	SpaceIP Space = "ip"
)

type EmbeddedConfig struct {
	Path  string
	Space Space
}

type embeddedStore struct {
	db     *sql.DB
	dim    int
	space  Space
	logger *slog.Logger
}

// NewEmbeddedStore opens a SQLite-backed index at cfg.Path. Similarity is
// computed in process over the rows that pass the filters.
func NewEmbeddedStore(ctx context.Context, cfg EmbeddedConfig, dim int) (Store, error) {
	space := cfg.Space
	switch space {
	case "":
		space = SpaceCosine
	case SpaceCosine, SpaceIP:
	default:
		return nil, ragerr.Configuration("unknown embedded space %q", cfg.Space)
	}

	path := cfg.Path
	if path == "" {
		path = "ragpipe.db"
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ragerr.StoreUnavailable(embeddedName, opInit, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &embeddedStore{
		db:     db,
		dim:    dim,
		space:  space,
		logger: slog.Default().With("backend", embeddedName),
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, ragerr.StoreUnavailable(embeddedName, opInit, err)
	}
	return s, nil
}

func (s *embeddedStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "create segments table")
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_segments_document_id ON segments(document_id)`)
	return errors.Wrap(err, "create document index")
}

func (s *embeddedStore) Name() string { return embeddedName }

func (s *embeddedStore) nativeKind() ScoreKind {
	if s.space == SpaceIP {
		return Similarity
	}
	return Distance
}

func (s *embeddedStore) Store(ctx context.Context, segments []Segment) error {
	if err := validateSegments(segments, s.dim); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	if err := s.upsert(ctx, segments); err != nil {
		return ragerr.StoreUnavailable(embeddedName, opStore, err)
	}
	s.logger.Debug("stored segments", "count", len(segments))
	return nil
}

func (s *embeddedStore) upsert(ctx context.Context, segments []Segment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (id, document_id, position, content, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			position = excluded.position,
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding
	`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	for _, seg := range segments {
		meta, err := json.Marshal(metadataOf(seg))
		if err != nil {
			return errors.Wrapf(err, "marshal metadata of %s", seg.ID)
		}
		if _, err := stmt.ExecContext(ctx, seg.ID, seg.DocumentID, seg.Position, seg.Text,
			string(meta), float32SliceToBytes(seg.Vector)); err != nil {
			return errors.Wrapf(err, "upsert segment %s", seg.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *embeddedStore) Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]Result, error) {
	if err := validateQuery(vector, s.dim, topK); err != nil {
		return nil, err
	}
	clauses, err := parseFilters(filters)
	if err != nil {
		return nil, err
	}

	where, args := sqliteWhere(clauses)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, content, metadata, embedding FROM segments"+where, args...)
	if err != nil {
		return nil, ragerr.StoreUnavailable(embeddedName, opSearch, err)
	}
	defer rows.Close()

	kind := s.nativeKind()
	var results []Result
	for rows.Next() {
		var (
			res  Result
			meta string
			blob []byte
		)
		if err := rows.Scan(&res.SegmentID, &res.DocumentID, &res.Text, &meta, &blob); err != nil {
			return nil, ragerr.StoreUnavailable(embeddedName, opSearch, errors.Wrap(err, "scan row"))
		}
		if err := json.Unmarshal([]byte(meta), &res.Metadata); err != nil {
			return nil, ragerr.StoreUnavailable(embeddedName, opSearch, errors.Wrapf(err, "decode metadata of %s", res.SegmentID))
		}
		stored := bytesToFloat32Slice(blob)
		if len(stored) != len(vector) {
			continue
		}
		res.Score = Normalize(kind, s.rawScore(vector, stored))
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.StoreUnavailable(embeddedName, opSearch, err)
	}

	return finalize(results, topK), nil
}

func (s *embeddedStore) rawScore(query, stored []float32) float32 {
	if s.space == SpaceIP {
		return dot(query, stored)
	}
	return 1 - cosineSimilarity(query, stored)
}

func (s *embeddedStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM segments WHERE document_id = ?", documentID); err != nil {
		return ragerr.StoreUnavailable(embeddedName, opDelete, err)
	}
	return nil
}

func (s *embeddedStore) DeleteStale(ctx context.Context, documentID string, keep int) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM segments WHERE document_id = ? AND position >= ?", documentID, keep)
	if err != nil {
		return ragerr.StoreUnavailable(embeddedName, opDelete, err)
	}
	return nil
}

func (s *embeddedStore) Close() error {
	return s.db.Close()
}

func sqliteWhere(clauses []filterClause) (string, []any) {
	if len(clauses) == 0 {
		return "", nil
	}

	conditions := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses)*2)
	for _, c := range clauses {
		conditions = append(conditions, "json_extract(metadata, ?) = ?")
		value := c.Value
		if b, ok := value.(bool); ok {
			value = 0
			if b {
				value = 1
			}
		}
		args = append(args, fmt.Sprintf("$.%s", c.Key), value)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
