package store

import (
	"context"
	"strings"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

const (
	opInit   = "init"
	opStore  = "store"
	opSearch = "search"
	opDelete = "delete"
)

// Segment is a chunk of a document together with its embedding.
type Segment struct {
	ID         string
	DocumentID string
	Text       string
	Position   int
	Metadata   map[string]any
	Vector     []float32
}

// Result is a search hit. Score is normalized so that higher is more similar.
type Result struct {
	SegmentID  string         `json:"segment_id"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Score      float32        `json:"similarity_score"`
}

type Store interface {
	Name() string
	// Store upserts segments by ID.
	Store(ctx context.Context, segments []Segment) error
	// Search returns at most topK results in descending score order. Filters
	// are metadata equality clauses joined by AND.
	Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]Result, error)
	DeleteDocument(ctx context.Context, documentID string) error
	// DeleteStale removes the segments of documentID whose Position is at
	// least keep.
	DeleteStale(ctx context.Context, documentID string, keep int) error
	Close() error
}

func validateSegments(segments []Segment, dim int) error {
	for i, s := range segments {
		if s.ID == "" {
			return ragerr.InvalidArgument("segment %d has no id", i)
		}
		if strings.TrimSpace(s.Text) == "" {
			return ragerr.InvalidArgument("segment %s has empty text", s.ID)
		}
		if len(s.Vector) != dim {
			return ragerr.InvalidArgument("segment %s has %d dimensions, want %d", s.ID, len(s.Vector), dim)
		}
	}
	return nil
}

func validateQuery(vector []float32, dim, topK int) error {
	if topK <= 0 {
		return ragerr.InvalidArgument("top_k must be positive, got %d", topK)
	}
	if len(vector) != dim {
		return ragerr.InvalidArgument("query vector has %d dimensions, want %d", len(vector), dim)
	}
	return nil
}

func metadataOf(s Segment) map[string]any {
	if s.Metadata == nil {
		return map[string]any{}
	}
	return s.Metadata
}
