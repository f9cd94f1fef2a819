package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds surfaced by scrape and ingestion.
var (
	// ErrAuth: interactive login failed after all retries. Fatal for the
	// owning source's dispatcher.
	ErrAuth = errors.New("authentication failed")
	// ErrNetwork: the upstream could not be reached at all.
	ErrNetwork = errors.New("upstream unreachable")
	// ErrParse: a document parser produced no text.
	ErrParse = errors.New("no text extracted")
	// ErrStorage: a metadata store write failed.
	ErrStorage = errors.New("metadata store write failed")
	// ErrEmbedding: the embedding endpoint returned a non-200 response.
	ErrEmbedding = errors.New("embedding request failed")
)

// SourceError wraps a sentinel with the source and course it occurred on.
type SourceError struct {
	Source  Source
	Course  string
	Wrapped error
}

func (e *SourceError) Error() string {
	if e.Course == "" {
		return fmt.Sprintf("%s: %s", e.Source, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Course, e.Wrapped)
}

func (e *SourceError) Unwrap() error { return e.Wrapped }

// NewSourceError creates a SourceError.
func NewSourceError(src Source, course string, wrapped error) *SourceError {
	return &SourceError{Source: src, Course: course, Wrapped: wrapped}
}
