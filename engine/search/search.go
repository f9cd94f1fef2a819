// Package search answers questions against a course's indexed material: the
// question is embedded and matched against the course collection, returning
// scored chunks with their source links.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursekb/coursekb/engine/semantic"
)

// Embedder produces one vector per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the read side of the vector store.
type Searcher interface {
	Search(ctx context.Context, collection string, embedding []float32, topK int) ([]semantic.SearchResult, error)
}

// Options configures query behaviour.
type Options struct {
	TopK          int
	SearchTimeout time.Duration
}

// DefaultOptions returns the standard query settings.
func DefaultOptions() Options {
	return Options{TopK: 5, SearchTimeout: 5 * time.Second}
}

// Service runs semantic queries over per-course collections.
type Service struct {
	embed  Embedder
	store  Searcher
	opts   Options
	logger *slog.Logger
}

// New creates a query service.
func New(embed Embedder, store Searcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK < 1 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	return &Service{embed: embed, store: store, opts: opts, logger: logger}
}

// Query embeds the question and returns the best-matching chunks from the
// course's collection. topK <= 0 falls back to the configured default.
func (s *Service) Query(ctx context.Context, courseID int64, question string, topK int) ([]semantic.SearchResult, error) {
	if question == "" {
		return nil, fmt.Errorf("search: empty question")
	}
	if topK < 1 {
		topK = s.opts.TopK
	}

	vecs, err := s.embed.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("search: embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("search: expected 1 embedding, got %d", len(vecs))
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	collection := semantic.CollectionName(courseID)
	hits, err := s.store.Search(searchCtx, collection, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("search: %s: %w", collection, err)
	}
	s.logger.Debug("search done", "course", courseID, "hits", len(hits))
	return hits, nil
}
