package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const (
	redisName           = "keyed-search"
	defaultRedisIndex   = "segments_idx"
	defaultRedisPrefix  = "chunk:"
	redisScoreField     = "score"
	redisDeletePageSize = 1000
)

// reserved hash fields that cannot double as filter tags.
var redisReservedFields = map[string]bool{
	fieldContent:    true,
	fieldPosition:   true,
	fieldMetadata:   true,
	fieldEmbedding:  true,
	redisScoreField: true,
}

type RedisConfig struct {
	URL    string
	Index  string
	Prefix string
	// FilterFields are metadata keys indexed as TAG fields. document_id is
	// always filterable.
	FilterFields []string
}

type redisStore struct {
	client       *redis.Client
	index        string
	prefix       string
	filterFields []string
	filterable   map[string]bool
	dim          int
	logger       *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewRedisStore connects to a Redis server with the search module. Records
// are hashes under Prefix and the vector index is created lazily. The COSINE
// metric reports distance.
func NewRedisStore(ctx context.Context, cfg RedisConfig, dim int) (Store, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, ragerr.Configuration("invalid redis url: %v", err)
	}
	opts.Protocol = 2

	s, err := newRedisStore(redis.NewClient(opts), cfg, dim)
	if err != nil {
		return nil, err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.client.Close()
		return nil, ragerr.StoreUnavailable(redisName, opInit, err)
	}
	return s, nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig, dim int) (*redisStore, error) {
	s := &redisStore{
		client:     client,
		index:      cfg.Index,
		prefix:     cfg.Prefix,
		filterable: map[string]bool{fieldDocumentID: true},
		dim:        dim,
	}
	if s.index == "" {
		s.index = defaultRedisIndex
	}
	if s.prefix == "" {
		s.prefix = defaultRedisPrefix
	}
	for _, f := range cfg.FilterFields {
		if f == fieldDocumentID {
			continue
		}
		if !identifierPattern.MatchString(f) || redisReservedFields[f] {
			return nil, ragerr.Configuration("invalid redis filter field %q", f)
		}
		if !s.filterable[f] {
			s.filterable[f] = true
			s.filterFields = append(s.filterFields, f)
		}
	}
	s.logger = slog.Default().With("backend", redisName, "index", s.index)
	return s, nil
}

func (s *redisStore) Name() string { return redisName }

func (s *redisStore) ensureIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	err := s.client.Do(ctx, s.createIndexArgs()...).Err()
	if err != nil && !isAlreadyExists(err) {
		return errors.Wrap(err, "failed to create search index")
	}
	if err == nil {
		s.logger.Info("created search index", "dim", s.dim)
	}
	s.ready = true
	return nil
}

func (s *redisStore) createIndexArgs() []any {
	args := []any{
		"FT.CREATE", s.index, "ON", "HASH", "PREFIX", 1, s.prefix,
		"SCHEMA",
		fieldContent, "TEXT",
		fieldDocumentID, "TAG",
		fieldPosition, "NUMERIC",
	}
	for _, f := range s.filterFields {
		args = append(args, f, "TAG")
	}
	return append(args,
		fieldEmbedding, "VECTOR", "HNSW", 6,
		"TYPE", "FLOAT32",
		"DIM", s.dim,
		"DISTANCE_METRIC", "COSINE",
	)
}

func (s *redisStore) Store(ctx context.Context, segments []Segment) error {
	if err := validateSegments(segments, s.dim); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	if err := s.ensureIndex(ctx); err != nil {
		return ragerr.StoreUnavailable(redisName, opStore, err)
	}

	fields := make([][]any, len(segments))
	for i, seg := range segments {
		f, err := s.hashFields(seg)
		if err != nil {
			return err
		}
		fields[i] = f
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, seg := range segments {
			key := s.prefix + seg.ID
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields[i]...)
		}
		return nil
	})
	if err != nil {
		return ragerr.StoreUnavailable(redisName, opStore, err)
	}
	s.logger.Debug("stored segments", "count", len(segments))
	return nil
}

func (s *redisStore) hashFields(seg Segment) ([]any, error) {
	meta := metadataOf(seg)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, ragerr.InvalidArgument("segment %s metadata: %v", seg.ID, err)
	}
	fields := []any{
		fieldContent, seg.Text,
		fieldDocumentID, seg.DocumentID,
		fieldPosition, seg.Position,
		fieldMetadata, string(metaJSON),
		fieldEmbedding, float32SliceToBytes(seg.Vector),
	}
	for _, f := range s.filterFields {
		v, ok := meta[f]
		if !ok {
			continue
		}
		if sv, err := scalar(v); err == nil {
			fields = append(fields, f, scalarString(sv))
		}
	}
	return fields, nil
}

func (s *redisStore) Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]Result, error) {
	if err := validateQuery(vector, s.dim, topK); err != nil {
		return nil, err
	}
	clauses, err := parseFilters(filters)
	if err != nil {
		return nil, err
	}
	query, err := s.knnQuery(clauses, topK)
	if err != nil {
		return nil, err
	}
	if err := s.ensureIndex(ctx); err != nil {
		return nil, ragerr.StoreUnavailable(redisName, opSearch, err)
	}

	reply, err := s.client.Do(ctx,
		"FT.SEARCH", s.index, query,
		"PARAMS", 2, "vec", float32SliceToBytes(vector),
		"SORTBY", redisScoreField, "ASC",
		"RETURN", 4, fieldContent, fieldDocumentID, fieldMetadata, redisScoreField,
		"LIMIT", 0, topK,
		"DIALECT", 2,
	).Result()
	if err != nil {
		return nil, ragerr.StoreUnavailable(redisName, opSearch, err)
	}

	results, err := s.parseSearchReply(reply)
	if err != nil {
		return nil, ragerr.StoreUnavailable(redisName, opSearch, err)
	}
	return finalize(results, topK), nil
}

// knnQuery builds the hybrid query: a tag pre-filter followed by the KNN
// clause over the vector field.
func (s *redisStore) knnQuery(clauses []filterClause, topK int) (string, error) {
	base := "*"
	if len(clauses) > 0 {
		parts := make([]string, 0, len(clauses))
		for _, c := range clauses {
			if !s.filterable[c.Key] {
				return "", ragerr.InvalidArgument("filter key %q is not indexed", c.Key)
			}
			parts = append(parts, fmt.Sprintf("@%s:{%s}", c.Key, escapeTag(scalarString(c.Value))))
		}
		base = "(" + strings.Join(parts, " ") + ")"
	}
	return fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", base, topK, fieldEmbedding, redisScoreField), nil
}

// parseSearchReply decodes a RESP2 FT.SEARCH reply:
// [total, key1, [field, value, ...], key2, [...], ...].
func (s *redisStore) parseSearchReply(reply any) ([]Result, error) {
	items, ok := reply.([]any)
	if !ok || len(items) == 0 {
		return nil, errors.Errorf("unexpected search reply %T", reply)
	}

	var results []Result
	for i := 1; i+1 < len(items); i += 2 {
		key, ok := items[i].(string)
		if !ok {
			return nil, errors.Errorf("unexpected key type %T", items[i])
		}
		pairs, ok := items[i+1].([]any)
		if !ok {
			return nil, errors.Errorf("unexpected fields type %T for %s", items[i+1], key)
		}

		res := Result{SegmentID: strings.TrimPrefix(key, s.prefix)}
		for j := 0; j+1 < len(pairs); j += 2 {
			name := fmt.Sprint(pairs[j])
			value := fmt.Sprint(pairs[j+1])
			switch name {
			case fieldContent:
				res.Text = value
			case fieldDocumentID:
				res.DocumentID = value
			case fieldMetadata:
				if err := json.Unmarshal([]byte(value), &res.Metadata); err != nil {
					return nil, errors.Wrapf(err, "decode metadata of %s", key)
				}
			case redisScoreField:
				d, err := strconv.ParseFloat(value, 32)
				if err != nil {
					return nil, errors.Wrapf(err, "parse score of %s", key)
				}
				res.Score = Normalize(Distance, float32(d))
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *redisStore) DeleteDocument(ctx context.Context, documentID string) error {
	return s.deleteMatching(ctx, fmt.Sprintf("@%s:{%s}", fieldDocumentID, escapeTag(documentID)))
}

func (s *redisStore) DeleteStale(ctx context.Context, documentID string, keep int) error {
	return s.deleteMatching(ctx, staleQuery(documentID, keep))
}

func staleQuery(documentID string, keep int) string {
	return fmt.Sprintf("@%s:{%s} @%s:[%d +inf]", fieldDocumentID, escapeTag(documentID), fieldPosition, keep)
}

// deleteMatching removes every hash matched by query, a page at a time.
func (s *redisStore) deleteMatching(ctx context.Context, query string) error {
	if err := s.ensureIndex(ctx); err != nil {
		return ragerr.StoreUnavailable(redisName, opDelete, err)
	}
	for {
		reply, err := s.client.Do(ctx, "FT.SEARCH", s.index, query, "NOCONTENT", "LIMIT", 0, redisDeletePageSize, "DIALECT", 2).Result()
		if err != nil {
			return ragerr.StoreUnavailable(redisName, opDelete, err)
		}
		keys := searchKeys(reply)
		if len(keys) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return ragerr.StoreUnavailable(redisName, opDelete, err)
		}
		if len(keys) < redisDeletePageSize {
			return nil
		}
	}
}

// searchKeys extracts the keys of a NOCONTENT reply: [total, key1, key2, ...].
func searchKeys(reply any) []string {
	items, ok := reply.([]any)
	if !ok || len(items) <= 1 {
		return nil
	}
	keys := make([]string, 0, len(items)-1)
	for _, it := range items[1:] {
		if k, ok := it.(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// escapeTag backslash-escapes every rune that RediSearch treats as a tag
// separator or query operator.
func escapeTag(v string) string {
	var b strings.Builder
	for _, r := range v {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
