// Package generation answers queries from retrieved or supplied context.
package generation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tik-choco-lab/ragpipe/pkg/llm"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]store.Result, error)
}

type Request struct {
	Query string
	// Contexts skips retrieval when non-empty.
	Contexts []string
	// Search overrides the default retrieval parameters. Its text falls back
	// to Query.
	Search *retrieval.Query
	// Temperature nil and MaxTokens zero use the service defaults.
	Temperature *float32
	MaxTokens   int
}

type Response struct {
	Query   string
	Answer  string
	Sources []store.Result
	Elapsed time.Duration
}

type Options struct {
	// Threshold applies when the request carries no search parameters.
	Threshold float32
	// Temperature nil uses llm.DefaultTemperature.
	Temperature *float32
	MaxTokens   int
	Logger      *slog.Logger
}

type Service struct {
	retriever   Retriever
	generator   llm.Generator
	threshold   float32
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

func NewService(retriever Retriever, generator llm.Generator, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	temperature := float32(llm.DefaultTemperature)
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	return &Service{
		retriever:   retriever,
		generator:   generator,
		threshold:   opts.Threshold,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger.With("component", "generation"),
	}
}

func (s *Service) Answer(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ragerr.InvalidArgument("query text is empty")
	}
	start := time.Now()

	sources, err := s.sources(ctx, req)
	if err != nil {
		return nil, err
	}
	contexts := make([]string, len(sources))
	for i, src := range sources {
		contexts[i] = src.Text
	}

	temperature := s.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	answer, err := s.generator.Generate(ctx, llm.GenerateRequest{
		Query:       req.Query,
		Contexts:    contexts,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}

	res := &Response{Query: req.Query, Answer: answer, Sources: sources, Elapsed: time.Since(start)}
	s.logger.Info("generated answer", "sources", len(sources), "duration", res.Elapsed)
	return res, nil
}

func (s *Service) sources(ctx context.Context, req Request) ([]store.Result, error) {
	if len(req.Contexts) > 0 {
		out := make([]store.Result, len(req.Contexts))
		for i, c := range req.Contexts {
			out[i] = store.Result{Text: c}
		}
		return out, nil
	}
	if s.retriever == nil {
		return nil, nil
	}

	q := retrieval.Query{Text: req.Query, Threshold: s.threshold}
	if req.Search != nil {
		q = *req.Search
		if strings.TrimSpace(q.Text) == "" {
			q.Text = req.Query
		}
	}
	return s.retriever.Retrieve(ctx, q)
}
