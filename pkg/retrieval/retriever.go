// Package retrieval turns a text query into ranked store results.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tik-choco-lab/ragpipe/pkg/llm"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

const DefaultTopK = 5

type Query struct {
	Text string `json:"query"`
	// TopK of zero uses the retriever default.
	TopK int `json:"top_k,omitempty"`
	// Threshold is the minimum normalized score. Zero or below accepts
	// everything, so the fallback never applies.
	Threshold float32        `json:"similarity_threshold,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

type Options struct {
	DefaultTopK int
	// Timeout bounds embedding, search and filtering together.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Retriever struct {
	embedder llm.Embedder
	store    store.Store
	topK     int
	timeout  time.Duration
	logger   *slog.Logger
}

func New(embedder llm.Embedder, s store.Store, opts Options) *Retriever {
	topK := opts.DefaultTopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		store:    s,
		topK:     topK,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "retriever"),
	}
}

// Retrieve embeds the query, searches the store and keeps results scoring
// at least the threshold. When none qualify the unfiltered results are
// returned instead.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]store.Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ragerr.InvalidArgument("query text is empty")
	}
	if q.TopK < 0 {
		return nil, ragerr.InvalidArgument("top_k must not be negative, got %d", q.TopK)
	}
	topK := q.TopK
	if topK == 0 {
		topK = r.topK
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	vectors, err := r.embedder.CreateEmbeddings(ctx, []string{q.Text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, ragerr.EmbeddingProvider("expected one query embedding", nil).WithContext("got", len(vectors))
	}

	candidates, err := r.store.Search(ctx, vectors[0], topK, q.Filters)
	if err != nil {
		return nil, err
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := applyThreshold(candidates, q.Threshold)
	if len(results) == 0 && len(candidates) > 0 {
		r.logger.Debug("no result met threshold, returning best effort",
			"threshold", q.Threshold, "candidates", len(candidates))
		return candidates, nil
	}
	return results, nil
}

// applyThreshold keeps results scoring at least threshold. A threshold of
// zero or below accepts every result, including negative similarities.
func applyThreshold(results []store.Result, threshold float32) []store.Result {
	if threshold <= 0 {
		return results
	}
	kept := make([]store.Result, 0, len(results))
	for _, res := range results {
		if res.Score >= threshold {
			kept = append(kept, res)
		}
	}
	return kept
}
