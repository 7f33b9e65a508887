package llm

import "context"

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)

// Embedder maps texts to vectors, one per text in input order.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator answers a query from retrieved context.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type Client interface {
	Embedder
	Generator
	ListModels(ctx context.Context) ([]string, error)
}

type GenerateRequest struct {
	Query       string
	Contexts    []string
	Temperature float32
	MaxTokens   int
}

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Retry          RetryPolicy
	// RequestsPerSecond of zero disables client-side rate limiting.
	RequestsPerSecond float64
	Burst             int
}
