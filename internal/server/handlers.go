package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/generation"
	"github.com/tik-choco-lab/ragpipe/pkg/ingest"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "healthy", Store: s.store.Name()})
}

type ingestResponse struct {
	Message        string           `json:"message,omitempty"`
	DocumentID     string           `json:"document_id"`
	FileName       string           `json:"file_name"`
	FileType       content.FileType `json:"file_type,omitempty"`
	ChunksCreated  int              `json:"chunks_created"`
	ProcessingTime float64          `json:"processing_time"`
	Error          string           `json:"error,omitempty"`
}

func toIngestResponse(res ingest.Result) ingestResponse {
	out := ingestResponse{
		DocumentID:     res.DocumentID,
		FileName:       res.FileName,
		FileType:       res.FileType,
		ChunksCreated:  res.Chunks,
		ProcessingTime: res.Duration.Seconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	} else {
		out.Message = "Document processed successfully"
	}
	return out
}

// ingestOptions reads the optional chunking fields shared by both ingest
// endpoints.
func ingestOptions(c echo.Context) (ingest.Options, error) {
	var opts ingest.Options
	var err error
	if opts.ChunkSize, err = optionalInt(c.FormValue("chunk_size"), "chunk_size"); err != nil {
		return opts, err
	}
	if opts.ChunkOverlap, err = optionalInt(c.FormValue("chunk_overlap"), "chunk_overlap"); err != nil {
		return opts, err
	}
	if v := c.FormValue("strategy"); v != "" {
		if opts.Strategy, err = content.ParseStrategy(v); err != nil {
			return opts, err
		}
	}
	opts.Replace = c.FormValue("replace") == "true"
	return opts, nil
}

func optionalInt(v, field string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, ragerr.InvalidArgument("%s must be an integer, got %q", field, v)
	}
	return &n, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open upload %s", fh.Filename)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) ingest(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return ragerr.InvalidArgument("multipart field \"file\" is required")
	}
	if err := ingest.CheckSize(fh.Filename, fh.Size, s.maxFileSize); err != nil {
		return err
	}
	opts, err := ingestOptions(c)
	if err != nil {
		return err
	}
	data, err := readFormFile(fh)
	if err != nil {
		return err
	}

	res, err := s.ingester.Ingest(c.Request().Context(), ingest.File{
		Name:       fh.Filename,
		Data:       data,
		DocumentID: c.FormValue("document_id"),
	}, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toIngestResponse(*res))
}

func (s *Server) ingestBatch(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return ragerr.InvalidArgument("multipart form is required")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return ragerr.InvalidArgument("multipart field \"files\" is required")
	}
	if len(headers) > s.maxBatchFiles {
		return ragerr.InvalidArgument("batch has %d files, limit is %d", len(headers), s.maxBatchFiles)
	}
	opts, err := ingestOptions(c)
	if err != nil {
		return err
	}

	// Oversized uploads get their result without being read.
	results := make([]ingest.Result, len(headers))
	files := make([]ingest.File, 0, len(headers))
	slots := make([]int, 0, len(headers))
	for i, fh := range headers {
		if err := ingest.CheckSize(fh.Filename, fh.Size, s.maxFileSize); err != nil {
			results[i] = ingest.Result{FileName: fh.Filename, Err: err}
			continue
		}
		data, err := readFormFile(fh)
		if err != nil {
			return err
		}
		files = append(files, ingest.File{Name: fh.Filename, Data: data})
		slots = append(slots, i)
	}
	if len(files) > 0 {
		for j, res := range s.ingester.IngestBatch(c.Request().Context(), files, opts) {
			results[slots[j]] = res
		}
	}

	out := make([]ingestResponse, len(results))
	for i, res := range results {
		out[i] = toIngestResponse(res)
	}
	return c.JSON(http.StatusOK, out)
}

type chunkRequest struct {
	Text         string `json:"text"`
	ChunkSize    *int   `json:"chunk_size"`
	ChunkOverlap *int   `json:"chunk_overlap"`
	Strategy     string `json:"strategy"`
}

type chunkResponse struct {
	Chunks       []string `json:"chunks"`
	TotalChunks  int      `json:"total_chunks"`
	OriginalSize int      `json:"original_size"`
}

func (s *Server) chunk(c echo.Context) error {
	var req chunkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	chunker := s.chunker
	if req.ChunkSize != nil || req.ChunkOverlap != nil {
		size, overlap := chunker.Size(), chunker.Overlap()
		if req.ChunkSize != nil {
			size = *req.ChunkSize
		}
		if req.ChunkOverlap != nil {
			overlap = *req.ChunkOverlap
		}
		var err error
		if chunker, err = content.NewChunker(size, overlap); err != nil {
			return err
		}
	}
	strategy := s.strategy
	if req.Strategy != "" {
		var err error
		if strategy, err = content.ParseStrategy(req.Strategy); err != nil {
			return err
		}
	}

	chunks := chunker.Chunk(req.Text, strategy)
	if chunks == nil {
		chunks = []string{}
	}
	return c.JSON(http.StatusOK, chunkResponse{
		Chunks:       chunks,
		TotalChunks:  len(chunks),
		OriginalSize: utf8.RuneCountInString(req.Text),
	})
}

type searchResponse struct {
	Query        string         `json:"query"`
	Results      []store.Result `json:"results"`
	TotalResults int            `json:"total_results"`
}

func (s *Server) search(c echo.Context) error {
	var q retrieval.Query
	if err := c.Bind(&q); err != nil {
		return err
	}
	results, err := s.retriever.Retrieve(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if results == nil {
		results = []store.Result{}
	}
	return c.JSON(http.StatusOK, searchResponse{Query: q.Text, Results: results, TotalResults: len(results)})
}

type generateRequest struct {
	Query       string           `json:"query"`
	Context     []string         `json:"context"`
	Search      *retrieval.Query `json:"search"`
	Temperature *float32         `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type generateResponse struct {
	Query          string         `json:"query"`
	Answer         string         `json:"answer"`
	Sources        []store.Result `json:"sources"`
	GenerationTime float64        `json:"generation_time"`
}

func (s *Server) generate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	res, err := s.answerer.Answer(c.Request().Context(), generation.Request{
		Query:       req.Query,
		Contexts:    req.Context,
		Search:      req.Search,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return err
	}
	sources := res.Sources
	if sources == nil {
		sources = []store.Result{}
	}
	return c.JSON(http.StatusOK, generateResponse{
		Query:          res.Query,
		Answer:         res.Answer,
		Sources:        sources,
		GenerationTime: res.Elapsed.Seconds(),
	})
}

type deleteResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

func (s *Server) deleteDocument(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return ragerr.InvalidArgument("document id is required")
	}
	if err := s.store.DeleteDocument(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deleteResponse{DocumentID: id, Status: "deleted"})
}
