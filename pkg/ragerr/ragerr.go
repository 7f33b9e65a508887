// Package ragerr defines the error taxonomy shared by the retrieval pipeline.
package ragerr

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

const (
	CodeConfiguration       Code = "CONFIGURATION"
	CodeUnsupportedFileType Code = "UNSUPPORTED_FILE_TYPE"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
	CodeEmbeddingProvider   Code = "EMBEDDING_PROVIDER"
	CodeGenerationProvider  Code = "GENERATION_PROVIDER"
)

// Error is a classified failure. Backend and Op are set for store errors.
type Error struct {
	Code    Code
	Message string
	Backend string
	Op      string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Backend != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Backend, e.Op, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code, so sentinel comparisons work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Cause == nil
}

// WithContext adds a key/value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Sentinels for errors.Is.
var (
	ErrConfiguration       = &Error{Code: CodeConfiguration}
	ErrUnsupportedFileType = &Error{Code: CodeUnsupportedFileType}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
	ErrStoreUnavailable    = &Error{Code: CodeStoreUnavailable}
	ErrEmbeddingProvider   = &Error{Code: CodeEmbeddingProvider}
	ErrGenerationProvider  = &Error{Code: CodeGenerationProvider}
)

func Configuration(format string, args ...any) *Error {
	return &Error{Code: CodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

func UnsupportedFileType(fileType string) *Error {
	return &Error{
		Code:    CodeUnsupportedFileType,
		Message: fmt.Sprintf("unsupported file type: %q", fileType),
	}
}

func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// StoreUnavailable reports a backend failure during op.
func StoreUnavailable(backend, op string, cause error) *Error {
	return &Error{
		Code:    CodeStoreUnavailable,
		Message: "store unavailable",
		Backend: backend,
		Op:      op,
		Cause:   cause,
	}
}

func EmbeddingProvider(msg string, cause error) *Error {
	return &Error{Code: CodeEmbeddingProvider, Message: msg, Cause: cause}
}

func GenerationProvider(msg string, cause error) *Error {
	return &Error{Code: CodeGenerationProvider, Message: msg, Cause: cause}
}

// IsCode reports whether any error in err's chain has the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the code from err, or returns def when err is not classified.
func CodeOf(err error, def Code) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return def
}
