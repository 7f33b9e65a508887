package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

type openAIClient struct {
	api            *openai.Client
	model          string
	embeddingModel string
	retry          RetryPolicy
	limiter        *rate.Limiter
	logger         *slog.Logger
}

func NewOpenAIClient(cfg Config) Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)

	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	c := &openAIClient{
		api:            openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		retry:          cfg.Retry,
		logger:         slog.Default().With("component", "llm"),
	}
	if c.retry.Retryable == nil {
		c.retry.Retryable = isRetryable
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("provider call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		}
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return c
}

// call runs fn under the rate limiter and retry policy.
func (c *openAIClient) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	})
}

func (c *openAIClient) ListModels(ctx context.Context) ([]string, error) {
	models, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	res := make([]string, 0, len(models.Models))
	for _, m := range models.Models {
		res = append(res, m.ID)
	}
	return res, nil
}

func (c *openAIClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	temperature := req.Temperature
	switch {
	case temperature < 0:
		temperature = DefaultTemperature
	case temperature == 0:
		// The request field is omitempty; a zero would be dropped and the
		// provider default used instead.
		temperature = math.SmallestNonzeroFloat32
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return c.complete(ctx, openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req.Query, req.Contexts)},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
}

func (c *openAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if c.model == "" {
		return "", ragerr.Configuration("chat model is not configured")
	}
	req.Model = c.model

	var answer string
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no response choices returned from API")
		}
		answer = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", ragerr.GenerationProvider("chat completion failed", err)
	}
	return answer, nil
}

func (c *openAIClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := c.embeddingModel
	if model == "" {
		model = string(openai.AdaEmbeddingV2)
	}

	var resp openai.EmbeddingResponse
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(model),
		})
		return err
	})
	if err != nil {
		return nil, ragerr.EmbeddingProvider("embedding creation failed", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, ragerr.EmbeddingProvider(
			fmt.Sprintf("API returned %d embeddings, but %d were requested", len(resp.Data), len(texts)), nil)
	}

	res := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) || res[idx] != nil {
			idx = i
		}
		res[idx] = d.Embedding
	}

	return res, nil
}

// isRetryable treats rate limits and server errors as transient.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
