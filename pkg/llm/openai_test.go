package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

type embeddingCall struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func newTestClient(t *testing.T, handler http.Handler, model string) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Config{
		APIKey:         "test",
		BaseURL:        srv.URL + "/v1",
		Model:          model,
		EmbeddingModel: "text-embedding-3-small",
		Retry:          RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
}

func writeEmbeddings(w http.ResponseWriter, vectors [][]float32) {
	data := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": v}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "text-embedding-3-small"})
}

func TestCreateEmbeddings_SingleBatchedCall(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embeddingCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		vectors := make([][]float32, len(req.Input))
		for i := range req.Input {
			vectors[i] = []float32{float32(i), 1}
		}
		writeEmbeddings(w, vectors)
	})

	c := newTestClient(t, mux, "")
	got, err := c.CreateEmbeddings(t.Context(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}, {2, 1}}, got)

	empty, err := c.CreateEmbeddings(t.Context(), nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCreateEmbeddings_CountMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(w, [][]float32{{1, 2}})
	})

	_, err := newTestClient(t, mux, "").CreateEmbeddings(t.Context(), []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, ragerr.IsCode(err, ragerr.CodeEmbeddingProvider))
}

func TestCreateEmbeddings_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		writeEmbeddings(w, [][]float32{{1, 2}})
	})

	got, err := newTestClient(t, mux, "").CreateEmbeddings(t.Context(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}}, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateEmbeddings_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
	})

	_, err := newTestClient(t, mux, "").CreateEmbeddings(t.Context(), []string{"a"})
	require.Error(t, err)
	assert.True(t, ragerr.IsCode(err, ragerr.CodeEmbeddingProvider))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model       string  `json:"model"`
			Temperature float32 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.InDelta(t, 0.2, req.Temperature, 1e-6)
		assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.True(t, strings.Contains(req.Messages[1].Content, "Source 1:\nctx one"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"42"},"finish_reason":"stop"}]}`))
	})

	c := newTestClient(t, mux, "gpt-4o-mini")
	answer, err := c.Generate(t.Context(), GenerateRequest{
		Query:       "meaning?",
		Contexts:    []string{"ctx one"},
		Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", answer)
}

func TestGenerate_ZeroTemperatureIsSent(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	})

	c := newTestClient(t, mux, "gpt-4o-mini")
	_, err := c.Generate(t.Context(), GenerateRequest{Query: "q", Temperature: 0})
	require.NoError(t, err)

	require.Contains(t, body, "temperature")
	temperature, ok := body["temperature"].(float64)
	require.True(t, ok)
	assert.Greater(t, temperature, 0.0)
	assert.Less(t, temperature, 1e-30)
}

func TestGenerate_RequiresModel(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), "")
	_, err := c.Generate(t.Context(), GenerateRequest{Query: "q"})
	assert.True(t, ragerr.IsCode(err, ragerr.CodeConfiguration))
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("what?", []string{"alpha", "beta"})
	assert.Contains(t, p, "Source 1:\nalpha")
	assert.Contains(t, p, "Source 2:\nbeta")
	assert.True(t, strings.HasSuffix(p, "Query: what?\n\nAnswer:"))

	empty := BuildPrompt("what?", nil)
	assert.Contains(t, empty, "No reference material was found")
	assert.Contains(t, empty, "Query: what?")
}
