// Package server exposes ingestion, search and generation over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/tik-choco-lab/ragpipe/pkg/content"
	"github.com/tik-choco-lab/ragpipe/pkg/generation"
	"github.com/tik-choco-lab/ragpipe/pkg/ingest"
	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
	"github.com/tik-choco-lab/ragpipe/pkg/retrieval"
	"github.com/tik-choco-lab/ragpipe/pkg/store"
)

const (
	apiPrefix = "/api/v1"
	// multipartSlack covers form boundaries and fields around the file.
	multipartSlack = 1 << 20

	DefaultMaxBatchFiles = 20
)

type Ingester interface {
	Ingest(ctx context.Context, f ingest.File, opts ingest.Options) (*ingest.Result, error)
	IngestBatch(ctx context.Context, files []ingest.File, opts ingest.Options) []ingest.Result
}

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]store.Result, error)
}

type Answerer interface {
	Answer(ctx context.Context, req generation.Request) (*generation.Response, error)
}

type Deps struct {
	Store     store.Store
	Ingester  Ingester
	Retriever Retriever
	Answerer  Answerer
}

type Config struct {
	MaxFileSize int64
	// MaxBatchFiles caps the files of one batch upload.
	MaxBatchFiles int
	// Chunker and Strategy serve the chunk preview endpoint.
	Chunker  *content.Chunker
	Strategy content.Strategy
	Logger   *slog.Logger
}

type Server struct {
	echo      *echo.Echo
	store     store.Store
	ingester  Ingester
	retriever Retriever
	answerer  Answerer
	chunker   *content.Chunker
	strategy  content.Strategy
	logger    *slog.Logger

	maxFileSize   int64
	maxBatchFiles int
}

func New(deps Deps, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = ingest.DefaultMaxFileSize
	}
	maxBatchFiles := cfg.MaxBatchFiles
	if maxBatchFiles <= 0 {
		maxBatchFiles = DefaultMaxBatchFiles
	}
	chunker := cfg.Chunker
	if chunker == nil {
		chunker, _ = content.NewChunker(content.DefaultChunkSize, content.DefaultChunkOverlap)
	}

	s := &Server{
		echo:      echo.New(),
		store:     deps.Store,
		ingester:  deps.Ingester,
		retriever: deps.Retriever,
		answerer:  deps.Answerer,
		chunker:   chunker,
		strategy:  cfg.Strategy,
		logger:    logger.With("component", "http"),

		maxFileSize:   maxFileSize,
		maxBatchFiles: maxBatchFiles,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	maxFileSize := s.maxFileSize
	s.echo.GET("/", s.health)
	s.echo.GET("/health", s.health)

	jsonLimit := middleware.BodyLimit(fmt.Sprintf("%dB", maxFileSize))
	fileLimit := middleware.BodyLimit(fmt.Sprintf("%dB", maxFileSize+multipartSlack))
	batchLimit := middleware.BodyLimit(fmt.Sprintf("%dB", maxFileSize*int64(s.maxBatchFiles)+multipartSlack))

	api := s.echo.Group(apiPrefix)
	api.POST("/ingest", s.ingest, fileLimit)
	api.POST("/ingest/batch", s.ingestBatch, batchLimit)
	api.POST("/chunk", s.chunk, jsonLimit)
	api.POST("/search", s.search, jsonLimit)
	api.POST("/generate", s.generate, jsonLimit)
	api.DELETE("/documents/:id", s.deleteDocument)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start blocks serving addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request error", "error", err,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		s.logger.Error("write error response", "error", writeErr)
	}
}

func errorStatus(err error) (int, errorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, errorResponse{Error: http.StatusText(he.Code), Message: fmt.Sprint(he.Message)}
	}

	var re *ragerr.Error
	if errors.As(err, &re) {
		return codeStatus(re.Code), errorResponse{Error: string(re.Code), Message: re.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorResponse{Error: "TIMEOUT", Message: err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{Error: "INTERNAL", Message: "internal server error"}
}

func codeStatus(code ragerr.Code) int {
	switch code {
	case ragerr.CodeInvalidArgument, ragerr.CodeConfiguration:
		return http.StatusBadRequest
	case ragerr.CodeUnsupportedFileType:
		return http.StatusUnsupportedMediaType
	case ragerr.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ragerr.CodeEmbeddingProvider, ragerr.CodeGenerationProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
