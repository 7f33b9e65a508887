// Package ingest extracts, chunks, embeds and stores documents.
package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/llm"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

const (
	DefaultMaxFileSize = 10 * 1024 * 1024
	DefaultConcurrency = 4
)

// segmentNamespace scopes deterministic segment ids.
var segmentNamespace = uuid.MustParse("6f1c8a2e-3b7d-4e59-9a0f-2d4c6b8e1f37")

// File is one document to ingest.
type File struct {
	Name string
	Data []byte
	// DocumentID is generated when empty.
	DocumentID string
	Metadata   map[string]any
}

// Options overrides the pipeline defaults for one call.
type Options struct {
	// ChunkSize and ChunkOverlap fall back to the pipeline chunker when nil.
	ChunkSize    *int
	ChunkOverlap *int
	Strategy     content.Strategy
	// Replace removes segments left from an earlier, longer version of the
	// document once the new ones are stored.
	Replace bool
}

type Result struct {
	DocumentID string           `json:"document_id"`
	FileName   string           `json:"file_name"`
	FileType   content.FileType `json:"file_type,omitempty"`
	Chunks     int              `json:"chunks_created"`
	Duration   time.Duration    `json:"-"`
	Err        error            `json:"-"`
}

type Config struct {
	Chunker     *content.Chunker
	Strategy    content.Strategy
	MaxFileSize int64
	Concurrency int
	Logger      *slog.Logger
}

type Pipeline struct {
	extractor   *content.Extractor
	embedder    llm.Embedder
	store       store.Store
	chunker     *content.Chunker
	strategy    content.Strategy
	maxFileSize int64
	concurrency int
	logger      *slog.Logger
}

func NewPipeline(extractor *content.Extractor, embedder llm.Embedder, s store.Store, cfg Config) (*Pipeline, error) {
	chunker := cfg.Chunker
	if chunker == nil {
		var err error
		if chunker, err = content.NewChunker(content.DefaultChunkSize, content.DefaultChunkOverlap); err != nil {
			return nil, err
		}
	}
	p := &Pipeline{
		extractor:   extractor,
		embedder:    embedder,
		store:       s,
		chunker:     chunker,
		strategy:    cfg.Strategy,
		maxFileSize: cfg.MaxFileSize,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
	if p.extractor == nil {
		p.extractor = content.NewExtractor()
	}
	if p.strategy == "" {
		p.strategy = content.StrategySliding
	}
	if p.maxFileSize <= 0 {
		p.maxFileSize = DefaultMaxFileSize
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "ingest")
	return p, nil
}

// Ingest runs one file through the pipeline. On error the result still
// carries the file name and document id.
func (p *Pipeline) Ingest(ctx context.Context, f File, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{DocumentID: f.DocumentID, FileName: f.Name}
	if res.DocumentID == "" {
		res.DocumentID = uuid.NewString()
	}

	err := p.ingest(ctx, f, opts, res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		p.logger.Warn("ingestion failed", "file", f.Name, "document_id", res.DocumentID, "error", err)
		return res, err
	}
	p.logger.Info("ingested document", "file", f.Name, "document_id", res.DocumentID,
		"chunks", res.Chunks, "duration", res.Duration)
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, f File, opts Options, res *Result) error {
	if len(f.Data) == 0 {
		return ragerr.InvalidArgument("file %q is empty", f.Name)
	}
	if err := CheckSize(f.Name, int64(len(f.Data)), p.maxFileSize); err != nil {
		return err
	}

	fileType, err := content.DetectFileType(f.Name)
	if err != nil {
		return err
	}
	res.FileType = fileType

	chunker, strategy, err := p.chunkerFor(opts)
	if err != nil {
		return err
	}

	raw, err := p.extractor.Extract(ctx, f.Data, fileType)
	if err != nil {
		return err
	}
	text := content.CleanText(raw)
	chunks := chunker.Chunk(text, strategy)
	if len(chunks) == 0 {
		return ragerr.InvalidArgument("file %q has no extractable text", f.Name)
	}

	vectors, err := p.embedder.CreateEmbeddings(ctx, chunks)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return ragerr.EmbeddingProvider("embedding count does not match chunk count", nil).
			WithContext("chunks", len(chunks)).
			WithContext("vectors", len(vectors))
	}

	segments := buildSegments(res.DocumentID, f, fileType, content.CalculateHash(text), chunks, vectors)

	// Segment ids are positional, so the upsert overwrites the old version in
	// place and only the tail beyond the new length is stale.
	if err := p.store.Store(ctx, segments); err != nil {
		return err
	}
	if opts.Replace {
		if err := p.store.DeleteStale(ctx, res.DocumentID, len(segments)); err != nil {
			return err
		}
	}
	res.Chunks = len(segments)
	return nil
}

func (p *Pipeline) chunkerFor(opts Options) (*content.Chunker, content.Strategy, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = p.strategy
	}
	if opts.ChunkSize == nil && opts.ChunkOverlap == nil {
		return p.chunker, strategy, nil
	}

	size := p.chunker.Size()
	if opts.ChunkSize != nil {
		size = *opts.ChunkSize
	}
	overlap := p.chunker.Overlap()
	if opts.ChunkOverlap != nil {
		overlap = *opts.ChunkOverlap
	}
	c, err := content.NewChunker(size, overlap)
	return c, strategy, err
}

// CheckSize rejects a file larger than limit bytes.
func CheckSize(name string, size, limit int64) error {
	if size > limit {
		return ragerr.InvalidArgument("file %q is %d bytes, limit is %d", name, size, limit)
	}
	return nil
}

// SegmentID derives a stable id so re-ingesting a document overwrites its
// segments.
func SegmentID(documentID string, position int) string {
	return uuid.NewSHA1(segmentNamespace, []byte(documentID+":"+strconv.Itoa(position))).String()
}

func buildSegments(docID string, f File, fileType content.FileType, hash string, chunks []string, vectors [][]float32) []store.Segment {
	segments := make([]store.Segment, len(chunks))
	for i, chunk := range chunks {
		meta := make(map[string]any, len(f.Metadata)+5)
		for k, v := range f.Metadata {
			meta[k] = v
		}
		meta["document_id"] = docID
		meta["file_name"] = f.Name
		meta["file_type"] = string(fileType)
		meta["chunk_index"] = i
		meta["content_hash"] = hash

		segments[i] = store.Segment{
			ID:         SegmentID(docID, i),
			DocumentID: docID,
			Text:       chunk,
			Position:   i,
			Metadata:   meta,
			Vector:     vectors[i],
		}
	}
	return segments
}

// IngestBatch ingests files concurrently. A failing file never stops its
// siblings; each result carries its own error and results follow input order.
func (p *Pipeline) IngestBatch(ctx context.Context, files []File, opts Options) []Result {
	results := make([]Result, len(files))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, f := range files {
		g.Go(func() error {
			res, _ := p.Ingest(ctx, f, opts)
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	return results
}
