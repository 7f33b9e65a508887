package cli

import (
	"context"
	"log/slog"

	"github.com/tik-choco-lab/ragpipe/internal/config"
	"github.com/tik-choco-lab/ragpipe/internal/server"
	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/generation"
	"github.com/tik-choco-lab/ragpipe/pkg/ingest"
	"github.com/tik-choco-lab/ragpipe/pkg/llm"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

type modelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// app holds every long-lived dependency a command needs.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	chunker   *content.Chunker
	extractor *content.Extractor
	models    modelLister
	ingester  server.Ingester
	retriever server.Retriever
	answerer  server.Answerer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.API.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set, provider calls will fail")
	}
	client := llm.NewOpenAIClient(cfg.LLMConfig())

	chunker, err := content.NewChunker(cfg.Chunk.Size, cfg.Chunk.Overlap)
	if err != nil {
		return nil, err
	}
	extractor := content.NewExtractor(content.WithPDFToText(cfg.Extract.PDFToText))

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("opened store", "backend", st.Name(), "dimension", cfg.Embedding.Dimension)

	pipeline, err := ingest.NewPipeline(extractor, client, st, ingest.Config{
		Chunker:     chunker,
		Strategy:    cfg.Strategy(),
		MaxFileSize: cfg.Ingest.MaxFileSize,
		Concurrency: cfg.Ingest.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	retriever := retrieval.New(client, st, retrieval.Options{
		DefaultTopK: cfg.Retrieval.TopK,
		Timeout:     cfg.Retrieval.Timeout.Std(),
		Logger:      logger,
	})
	temperature := cfg.Generation.Temperature

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		chunker:   chunker,
		extractor: extractor,
		models:    client,
		ingester:  pipeline,
		retriever: retriever,
		answerer: generation.NewService(retriever, client, generation.Options{
			Threshold:   cfg.Retrieval.Threshold,
			Temperature: &temperature,
			MaxTokens:   cfg.Generation.MaxTokens,
			Logger:      logger,
		}),
	}, nil
}

func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *app) server() *server.Server {
	return server.New(server.Deps{
		Store:     a.store,
		Ingester:  a.ingester,
		Retriever: a.retriever,
		Answerer:  a.answerer,
	}, server.Config{
		MaxFileSize:   a.cfg.Ingest.MaxFileSize,
		MaxBatchFiles: a.cfg.Ingest.MaxBatchFiles,
		Chunker:       a.chunker,
		Strategy:      a.cfg.Strategy(),
		Logger:        a.logger,
	})
}
