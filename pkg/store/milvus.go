package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const (
	milvusName              = "remote-ann"
	defaultMilvusCollection = "segments"

	fieldID         = "id"
	fieldDocumentID = "document_id"
	fieldContent    = "content"
	fieldPosition   = "position"
	fieldMetadata   = "metadata"
	fieldEmbedding  = "embedding"

	maxIDLength      = "128"
	maxContentLength = "65535"

	hnswM              = 16
	hnswEfConstruction = 200
)

type MilvusConfig struct {
	Address    string
	APIKey     string
	Username   string
	Password   string
	DBName     string
	Collection string
}

// milvusAPI is the part of *milvusclient.Client the store calls.
type milvusAPI interface {
	HasCollection(ctx context.Context, option milvusclient.HasCollectionOption, callOptions ...grpc.CallOption) (bool, error)
	CreateCollection(ctx context.Context, option milvusclient.CreateCollectionOption, callOptions ...grpc.CallOption) error
	CreateIndex(ctx context.Context, option milvusclient.CreateIndexOption, callOptions ...grpc.CallOption) (*milvusclient.CreateIndexTask, error)
	LoadCollection(ctx context.Context, option milvusclient.LoadCollectionOption, callOptions ...grpc.CallOption) (milvusclient.LoadTask, error)
	Upsert(ctx context.Context, option milvusclient.UpsertOption, callOptions ...grpc.CallOption) (milvusclient.UpsertResult, error)
	Search(ctx context.Context, option milvusclient.SearchOption, callOptions ...grpc.CallOption) ([]milvusclient.ResultSet, error)
	Delete(ctx context.Context, option milvusclient.DeleteOption, callOptions ...grpc.CallOption) (milvusclient.DeleteResult, error)
	Close(ctx context.Context) error
}

type milvusStore struct {
	client     milvusAPI
	collection string
	dim        int
	logger     *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewMilvusStore connects to Milvus. The collection is created on first use.
// Milvus COSINE search reports similarity.
func NewMilvusStore(ctx context.Context, cfg MilvusConfig, dim int) (Store, error) {
	if cfg.Address == "" {
		return nil, ragerr.Configuration("milvus address is not configured")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = defaultMilvusCollection
	}

	client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		APIKey:   cfg.APIKey,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.DBName,
	})
	if err != nil {
		return nil, ragerr.StoreUnavailable(milvusName, opInit, err)
	}

	return newMilvusStore(client, collection, dim), nil
}

func newMilvusStore(client milvusAPI, collection string, dim int) *milvusStore {
	return &milvusStore{
		client:     client,
		collection: collection,
		dim:        dim,
		logger:     slog.Default().With("backend", milvusName, "collection", collection),
	}
}

func (s *milvusStore) Name() string { return milvusName }

// ensureCollection creates and loads the collection once per process. A
// failed attempt is retried on the next call.
func (s *milvusStore) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(s.collection))
	if err != nil {
		return errors.Wrap(err, "failed to check if collection exists")
	}

	if !exists {
		s.logger.Info("creating collection", "dim", s.dim)
		err := s.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(s.collection, milvusSchema(s.collection, s.dim)))
		if err != nil && !isAlreadyExists(err) {
			return errors.Wrap(err, "failed to create collection")
		}
	}

	// Another process may have created the collection without its index yet.
	idx := index.NewHNSWIndex(entity.COSINE, hnswM, hnswEfConstruction)
	task, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(s.collection, fieldEmbedding, idx))
	switch {
	case err == nil:
		if err := task.Await(ctx); err != nil {
			return errors.Wrap(err, "failed waiting for index")
		}
	case !isAlreadyExists(err):
		return errors.Wrap(err, "failed to create index")
	}

	loadTask, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.collection))
	if err != nil {
		return errors.Wrap(err, "failed to load collection")
	}
	if err := loadTask.Await(ctx); err != nil {
		return errors.Wrap(err, "failed waiting for collection load")
	}

	s.ready = true
	return nil
}

func milvusSchema(collection string, dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: collection,
		Description:    "Document segments with embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": maxIDLength},
			},
			{
				Name:       fieldDocumentID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": maxIDLength},
			},
			{
				Name:       fieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": maxContentLength},
			},
			{
				Name:     fieldPosition,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     fieldMetadata,
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
			},
		},
	}
}

func (s *milvusStore) Store(ctx context.Context, segments []Segment) error {
	if err := validateSegments(segments, s.dim); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return ragerr.StoreUnavailable(milvusName, opStore, err)
	}

	ids := make([]string, len(segments))
	docIDs := make([]string, len(segments))
	texts := make([]string, len(segments))
	positions := make([]int64, len(segments))
	metas := make([][]byte, len(segments))
	vectors := make([][]float32, len(segments))
	for i, seg := range segments {
		meta, err := json.Marshal(metadataOf(seg))
		if err != nil {
			return ragerr.InvalidArgument("segment %s metadata: %v", seg.ID, err)
		}
		ids[i] = seg.ID
		docIDs[i] = seg.DocumentID
		texts[i] = seg.Text
		positions[i] = int64(seg.Position)
		metas[i] = meta
		vectors[i] = seg.Vector
	}

	opt := milvusclient.NewColumnBasedInsertOption(s.collection).
		WithVarcharColumn(fieldID, ids).
		WithVarcharColumn(fieldDocumentID, docIDs).
		WithVarcharColumn(fieldContent, texts).
		WithInt64Column(fieldPosition, positions).
		WithColumns(column.NewColumnJSONBytes(fieldMetadata, metas)).
		WithFloatVectorColumn(fieldEmbedding, s.dim, vectors)

	if _, err := s.client.Upsert(ctx, opt); err != nil {
		return ragerr.StoreUnavailable(milvusName, opStore, err)
	}
	s.logger.Debug("stored segments", "count", len(segments))
	return nil
}

func (s *milvusStore) Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]Result, error) {
	if err := validateQuery(vector, s.dim, topK); err != nil {
		return nil, err
	}
	clauses, err := parseFilters(filters)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, ragerr.StoreUnavailable(milvusName, opSearch, err)
	}

	opt := milvusclient.NewSearchOption(s.collection, topK, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(fieldEmbedding).
		WithOutputFields(fieldDocumentID, fieldContent, fieldMetadata).
		WithConsistencyLevel(entity.ClStrong)
	if expr := milvusFilter(clauses); expr != "" {
		opt = opt.WithFilter(expr)
	}

	resultSets, err := s.client.Search(ctx, opt)
	if err != nil {
		return nil, ragerr.StoreUnavailable(milvusName, opSearch, err)
	}
	if len(resultSets) == 0 {
		return nil, nil
	}

	rs := resultSets[0]
	docCol := rs.GetColumn(fieldDocumentID)
	textCol := rs.GetColumn(fieldContent)
	metaCol := rs.GetColumn(fieldMetadata)

	results := make([]Result, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		var res Result
		if res.SegmentID, err = rs.IDs.GetAsString(i); err != nil {
			return nil, ragerr.StoreUnavailable(milvusName, opSearch, errors.Wrap(err, "read id"))
		}
		if docCol != nil {
			res.DocumentID, _ = docCol.GetAsString(i)
		}
		if textCol != nil {
			res.Text, _ = textCol.GetAsString(i)
		}
		if metaCol != nil {
			if raw, err := metaCol.Get(i); err == nil {
				res.Metadata = decodeJSONMetadata(raw)
			}
		}
		if i < len(rs.Scores) {
			res.Score = Normalize(Similarity, rs.Scores[i])
		}
		results = append(results, res)
	}

	return finalize(results, topK), nil
}

func (s *milvusStore) DeleteDocument(ctx context.Context, documentID string) error {
	return s.deleteWhere(ctx, documentExpr(documentID))
}

func (s *milvusStore) DeleteStale(ctx context.Context, documentID string, keep int) error {
	return s.deleteWhere(ctx, staleExpr(documentID, keep))
}

func (s *milvusStore) deleteWhere(ctx context.Context, expr string) error {
	if err := s.ensureCollection(ctx); err != nil {
		return ragerr.StoreUnavailable(milvusName, opDelete, err)
	}
	if _, err := s.client.Delete(ctx, milvusclient.NewDeleteOption(s.collection).WithExpr(expr)); err != nil {
		return ragerr.StoreUnavailable(milvusName, opDelete, err)
	}
	return nil
}

func documentExpr(documentID string) string {
	return fmt.Sprintf("%s == %s", fieldDocumentID, strconv.Quote(documentID))
}

func staleExpr(documentID string, keep int) string {
	return fmt.Sprintf("%s && %s >= %d", documentExpr(documentID), fieldPosition, keep)
}

func (s *milvusStore) Close() error {
	return s.client.Close(context.Background())
}

// milvusFilter renders clauses as a boolean expression over the JSON
// metadata field.
func milvusFilter(clauses []filterClause) string {
	if len(clauses) == 0 {
		return ""
	}
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		parts = append(parts, fmt.Sprintf("%s[%s] == %s", fieldMetadata, strconv.Quote(c.Key), milvusLiteral(c.Value)))
	}
	return strings.Join(parts, " && ")
}

func milvusLiteral(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return scalarString(v)
}

func decodeJSONMetadata(raw any) map[string]any {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return meta
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exist")
}
