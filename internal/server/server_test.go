package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/generation"
	"github.com/tik-choco-lab/ragpipe/pkg/ingest"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) CreateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeRetriever struct {
	results []store.Result
	err     error
	query   retrieval.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, q retrieval.Query) ([]store.Result, error) {
	f.query = q
	return f.results, f.err
}

type fakeAnswerer struct {
	req generation.Request
	err error
}

func (f *fakeAnswerer) Answer(_ context.Context, req generation.Request) (*generation.Response, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &generation.Response{Query: req.Query, Answer: "42"}, nil
}

type fixture struct {
	srv       *Server
	deps      Deps
	chunker   *content.Chunker
	store     store.Store
	retriever *fakeRetriever
	answerer  *fakeAnswerer
}

func newFixture(t *testing.T, maxFileSize int64) *fixture {
	t.Helper()
	st, err := store.NewEmbeddedStore(context.Background(), store.EmbeddedConfig{
		Path: filepath.Join(t.TempDir(), "server.db"),
	}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	chunker, err := content.NewChunker(20, 5)
	require.NoError(t, err)
	pipeline, err := ingest.NewPipeline(nil, fakeEmbedder{}, st, ingest.Config{Chunker: chunker, MaxFileSize: maxFileSize})
	require.NoError(t, err)

	f := &fixture{store: st, chunker: chunker, retriever: &fakeRetriever{}, answerer: &fakeAnswerer{}}
	f.deps = Deps{
		Store:     st,
		Ingester:  pipeline,
		Retriever: f.retriever,
		Answerer:  f.answerer,
	}
	f.srv = New(f.deps, Config{MaxFileSize: maxFileSize, Chunker: chunker})
	return f
}

// recordingIngester notes which files reach the pipeline.
type recordingIngester struct {
	Ingester
	names []string
}

func (r *recordingIngester) IngestBatch(ctx context.Context, files []ingest.File, opts ingest.Options) []ingest.Result {
	for _, f := range files {
		r.names = append(r.names, f.Name)
	}
	return r.Ingester.IngestBatch(ctx, files, opts)
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type upload struct {
	field, name, body string
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, u := range files {
		part, err := w.CreateFormFile(u.field, u.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(u.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	for _, path := range []string{"/", "/health"} {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, healthResponse{Status: "healthy", Store: "embedded"}, decode[healthResponse](t, rec))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestIngest(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, multipartRequest(t, "/api/v1/ingest",
		map[string]string{"document_id": "doc-1", "chunk_size": "1000", "chunk_overlap": "0"},
		upload{"file", "notes.txt", "Sentence one. Sentence two. Sentence three."}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[ingestResponse](t, rec)
	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Equal(t, "notes.txt", res.FileName)
	assert.Equal(t, content.FileTypeTXT, res.FileType)
	assert.Equal(t, 1, res.ChunksCreated)

	got, err := f.store.Search(context.Background(), []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIngest_Errors(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
		code   string
	}{
		{"missing file", func(t *testing.T) *http.Request {
			return multipartRequest(t, "/api/v1/ingest", map[string]string{"document_id": "d"})
		}, http.StatusBadRequest, string(ragerr.CodeInvalidArgument)},
		{"unsupported type", func(t *testing.T) *http.Request {
			return multipartRequest(t, "/api/v1/ingest", nil, upload{"file", "a.docx", "x"})
		}, http.StatusUnsupportedMediaType, string(ragerr.CodeUnsupportedFileType)},
		{"bad chunk size", func(t *testing.T) *http.Request {
			return multipartRequest(t, "/api/v1/ingest", map[string]string{"chunk_size": "big"}, upload{"file", "a.txt", "x"})
		}, http.StatusBadRequest, string(ragerr.CodeInvalidArgument)},
		{"overlap not below size", func(t *testing.T) *http.Request {
			return multipartRequest(t, "/api/v1/ingest", map[string]string{"chunk_size": "10", "chunk_overlap": "10"}, upload{"file", "a.txt", "x"})
		}, http.StatusBadRequest, string(ragerr.CodeConfiguration)},
		{"too large", func(t *testing.T) *http.Request {
			return multipartRequest(t, "/api/v1/ingest", nil, upload{"file", "a.txt", strings.Repeat("x", 200)})
		}, http.StatusBadRequest, string(ragerr.CodeInvalidArgument)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 100)
			rec := f.do(t, tt.req(t))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestIngestBatch_ReportsPerFile(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, multipartRequest(t, "/api/v1/ingest/batch", nil,
		upload{"files", "a.txt", "Alpha text."},
		upload{"files", "b.docx", "nope"},
		upload{"files", "c.txt", "Gamma text."},
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	results := decode[[]ingestResponse](t, rec)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a.txt", "b.docx", "c.txt"},
		[]string{results[0].FileName, results[1].FileName, results[2].FileName})
	assert.Empty(t, results[0].Error)
	assert.Equal(t, 1, results[0].ChunksCreated)
	assert.Contains(t, results[1].Error, string(ragerr.CodeUnsupportedFileType))
	assert.Empty(t, results[2].Error)

	rec = f.do(t, multipartRequest(t, "/api/v1/ingest/batch", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBatch_OversizedFilesSkipPipeline(t *testing.T) {
	f := newFixture(t, 64)
	rec := &recordingIngester{Ingester: f.deps.Ingester}
	deps := f.deps
	deps.Ingester = rec
	srv := New(deps, Config{MaxFileSize: 64, Chunker: f.chunker})

	resp := httptest.NewRecorder()
	srv.ServeHTTP(resp, multipartRequest(t, "/api/v1/ingest/batch", nil,
		upload{"files", "big.txt", strings.Repeat("x", 200)},
		upload{"files", "small.txt", "Small text."},
	))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	results := decode[[]ingestResponse](t, resp)
	require.Len(t, results, 2)
	assert.Equal(t, "big.txt", results[0].FileName)
	assert.Contains(t, results[0].Error, "200 bytes, limit is 64")
	assert.Empty(t, results[1].Error)
	assert.Equal(t, []string{"small.txt"}, rec.names)
}

func TestIngestBatch_Limits(t *testing.T) {
	f := newFixture(t, 64)
	srv := New(f.deps, Config{MaxFileSize: 64, MaxBatchFiles: 2, Chunker: f.chunker})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartRequest(t, "/api/v1/ingest/batch", nil,
		upload{"files", "a.txt", "a"},
		upload{"files", "b.txt", "b"},
		upload{"files", "c.txt", "c"},
	))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	huge := strings.Repeat("x", 1_000_000)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartRequest(t, "/api/v1/ingest/batch", nil,
		upload{"files", "a.txt", huge},
		upload{"files", "b.txt", huge},
	))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChunk(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, jsonRequest(http.MethodPost, "/api/v1/chunk",
		`{"text": "Sentence one. Sentence two. Sentence three."}`))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[chunkResponse](t, rec)
	assert.Equal(t, []string{"Sentence one.", "one. Sentence two.", "Sentence three."}, res.Chunks)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 43, res.OriginalSize)

	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/chunk",
		`{"text": "One. Two. Three. Four.", "chunk_size": 12, "chunk_overlap": 6, "strategy": "sentence"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"One. Two.", "Two. Three.", "Three. Four."}, decode[chunkResponse](t, rec).Chunks)

	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/chunk", `{"text": ""}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chunkResponse{Chunks: []string{}}, decode[chunkResponse](t, rec))

	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/chunk", `{"text": "x", "strategy": "paragraph"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	f := newFixture(t, 0)
	f.retriever.results = []store.Result{{SegmentID: "s1", DocumentID: "d1", Text: "hit", Score: 0.9}}

	rec := f.do(t, jsonRequest(http.MethodPost, "/api/v1/search",
		`{"query": "hello", "top_k": 3, "similarity_threshold": 0.5, "filters": {"file_type": "txt"}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, retrieval.Query{
		Text:      "hello",
		TopK:      3,
		Threshold: 0.5,
		Filters:   map[string]any{"file_type": "txt"},
	}, f.retriever.query)

	res := decode[map[string]any](t, rec)
	assert.Equal(t, "hello", res["query"])
	assert.Equal(t, float64(1), res["total_results"])
	hit := res["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "s1", hit["segment_id"])
	assert.Equal(t, "hit", hit["content"])
	assert.InDelta(t, 0.9, hit["similarity_score"], 1e-6)
}

func TestSearch_Errors(t *testing.T) {
	f := newFixture(t, 0)

	f.retriever.err = ragerr.InvalidArgument("query text is empty")
	rec := f.do(t, jsonRequest(http.MethodPost, "/api/v1/search", `{"query": ""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.retriever.err = ragerr.StoreUnavailable("embedded", "search", errors.New("locked"))
	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/search", `{"query": "q"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(ragerr.CodeStoreUnavailable), decode[errorResponse](t, rec).Error)

	f.retriever.err = context.DeadlineExceeded
	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/search", `{"query": "q"}`))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/search", `{"query": `))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, jsonRequest(http.MethodPost, "/api/v1/generate",
		`{"query": "why?", "context": ["because"], "temperature": 0.2, "max_tokens": 64, "search": {"top_k": 2}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "why?", f.answerer.req.Query)
	assert.Equal(t, []string{"because"}, f.answerer.req.Contexts)
	require.NotNil(t, f.answerer.req.Temperature)
	assert.InDelta(t, 0.2, *f.answerer.req.Temperature, 1e-6)
	assert.Equal(t, 64, f.answerer.req.MaxTokens)
	assert.Equal(t, 2, f.answerer.req.Search.TopK)

	res := decode[generateResponse](t, rec)
	assert.Equal(t, "42", res.Answer)
	assert.Equal(t, []store.Result{}, res.Sources)

	f.answerer.err = ragerr.GenerationProvider("chat completion failed", errors.New("500"))
	rec = f.do(t, jsonRequest(http.MethodPost, "/api/v1/generate", `{"query": "why?"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.store.Store(ctx, []store.Segment{
		{ID: "a", DocumentID: "d1", Text: "one", Vector: []float32{1, 0, 0}},
		{ID: "b", DocumentID: "d2", Text: "two", Vector: []float32{0, 1, 0}},
	}))

	rec := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/d1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deleteResponse{DocumentID: "d1", Status: "deleted"}, decode[deleteResponse](t, rec))

	got, err := f.store.Search(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d2", got[0].DocumentID)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ragerr.Configuration("x"), http.StatusBadRequest},
		{ragerr.EmbeddingProvider("x", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
	}
	_, body := errorStatus(errors.New("secret detail"))
	assert.Equal(t, "internal server error", body.Message)
}
