package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tik-choco-lab/ragpipe/pkg/llm"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

type fakeRetriever struct {
	results []store.Result
	err     error
	queries []retrieval.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, q retrieval.Query) ([]store.Result, error) {
	f.queries = append(f.queries, q)
	return f.results, f.err
}

type fakeGenerator struct {
	req llm.GenerateRequest
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	f.req = req
	if f.err != nil {
		return "", f.err
	}
	return "answer to " + req.Query, nil
}

func TestAnswer_RetrievesWithDefaults(t *testing.T) {
	r := &fakeRetriever{results: []store.Result{{SegmentID: "a", Text: "alpha"}, {SegmentID: "b", Text: "beta"}}}
	g := &fakeGenerator{}
	s := NewService(r, g, Options{Threshold: 0.6})

	res, err := s.Answer(context.Background(), Request{Query: "what?"})
	require.NoError(t, err)

	assert.Equal(t, "answer to what?", res.Answer)
	assert.Equal(t, r.results, res.Sources)
	require.Len(t, r.queries, 1)
	assert.Equal(t, retrieval.Query{Text: "what?", Threshold: 0.6}, r.queries[0])
	assert.Equal(t, []string{"alpha", "beta"}, g.req.Contexts)
	assert.InDelta(t, llm.DefaultTemperature, g.req.Temperature, 1e-6)
	assert.Equal(t, llm.DefaultMaxTokens, g.req.MaxTokens)
}

func TestAnswer_SearchParamsInheritQuery(t *testing.T) {
	r := &fakeRetriever{}
	s := NewService(r, &fakeGenerator{}, Options{Threshold: 0.6})

	_, err := s.Answer(context.Background(), Request{
		Query:  "what?",
		Search: &retrieval.Query{TopK: 2, Filters: map[string]any{"file_type": "txt"}},
	})
	require.NoError(t, err)
	assert.Equal(t, retrieval.Query{Text: "what?", TopK: 2, Filters: map[string]any{"file_type": "txt"}}, r.queries[0])
}

func TestAnswer_SuppliedContextSkipsRetrieval(t *testing.T) {
	r := &fakeRetriever{}
	g := &fakeGenerator{}
	zero := float32(0)
	s := NewService(r, g, Options{})

	res, err := s.Answer(context.Background(), Request{
		Query:       "q",
		Contexts:    []string{"given"},
		Temperature: &zero,
		MaxTokens:   42,
	})
	require.NoError(t, err)
	assert.Empty(t, r.queries)
	assert.Equal(t, []store.Result{{Text: "given"}}, res.Sources)
	assert.Equal(t, float32(0), g.req.Temperature)
	assert.Equal(t, 42, g.req.MaxTokens)
}

func TestAnswer_ServiceDefaults(t *testing.T) {
	g := &fakeGenerator{}
	temp := float32(0.1)
	s := NewService(nil, g, Options{Temperature: &temp, MaxTokens: 128})

	res, err := s.Answer(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Empty(t, g.req.Contexts)
	assert.InDelta(t, 0.1, g.req.Temperature, 1e-6)
	assert.Equal(t, 128, g.req.MaxTokens)
}

func TestAnswer_Errors(t *testing.T) {
	_, err := NewService(nil, &fakeGenerator{}, Options{}).Answer(context.Background(), Request{Query: " "})
	assert.True(t, ragerr.IsCode(err, ragerr.CodeInvalidArgument))

	retrieveErr := ragerr.StoreUnavailable("fake", "search", errors.New("down"))
	_, err = NewService(&fakeRetriever{err: retrieveErr}, &fakeGenerator{}, Options{}).
		Answer(context.Background(), Request{Query: "q"})
	assert.Same(t, retrieveErr, err)

	genErr := ragerr.GenerationProvider("failed", errors.New("500"))
	_, err = NewService(&fakeRetriever{}, &fakeGenerator{err: genErr}, Options{}).
		Answer(context.Background(), Request{Query: "q"})
	assert.Same(t, genErr, err)
}
