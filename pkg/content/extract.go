package content

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/tik-choco-lab/ragpipe/pkg/ragerr"
)

type FileType string

const (
	FileTypeTXT FileType = "txt"
	FileTypePDF FileType = "pdf"
)

// DetectFileType resolves the file type from the name's extension.
func DetectFileType(name string) (FileType, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch FileType(ext) {
	case FileTypeTXT:
		return FileTypeTXT, nil
	case FileTypePDF:
		return FileTypePDF, nil
	}
	return "", ragerr.UnsupportedFileType(ext)
}

// CommandRunner runs an external program and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Extractor turns raw file bytes into plain text.
type Extractor struct {
	runner    CommandRunner
	pdfToText string
}

type ExtractorOption func(*Extractor)

func WithCommandRunner(r CommandRunner) ExtractorOption {
	return func(e *Extractor) { e.runner = r }
}

// WithPDFToText overrides the pdftotext binary path.
func WithPDFToText(path string) ExtractorOption {
	return func(e *Extractor) {
		if path != "" {
			e.pdfToText = path
		}
	}
}

func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{runner: execRunner{}, pdfToText: "pdftotext"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) Extract(ctx context.Context, data []byte, fileType FileType) (string, error) {
	switch fileType {
	case FileTypeTXT:
		return decodeText(data), nil
	case FileTypePDF:
		return e.extractPDF(ctx, data)
	}
	return "", ragerr.UnsupportedFileType(string(fileType))
}

// decodeText reads UTF-8 and falls back to Latin-1, where every byte is a
// code point.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	f, err := os.CreateTemp("", "ragpipe-*.pdf")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", errors.Wrap(err, "failed to write temp file")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "failed to close temp file")
	}

	out, err := e.runner.Run(ctx, e.pdfToText, "-layout", "-enc", "UTF-8", f.Name(), "-")
	if err != nil {
		return "", errors.Wrap(err, "pdf text extraction failed")
	}
	return string(out), nil
}
