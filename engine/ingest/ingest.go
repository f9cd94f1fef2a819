// Package ingest turns newly downloaded course files into vectors: parse to
// marked-up text, clean, chunk, embed in batches, and upsert into the
// per-course collection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/extract"
	"github.com/coursekb/coursekb/engine/semantic"
	"github.com/coursekb/coursekb/pkg/fn"
	"github.com/coursekb/coursekb/pkg/resilience"
)

// Embedder produces one vector per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the semantic store the pipeline writes to.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dims int) error
	Upsert(ctx context.Context, collection string, records []semantic.VectorRecord) error
}

// Deps holds the external dependencies of the pipeline.
type Deps struct {
	Embedder  Embedder
	Store     VectorStore
	BaseURL   string // static-file base for chunk URLs
	Bounds    Bounds
	BatchSize int
	Breaker   *resilience.Breaker // guards the embedding endpoint
	Logger    *slog.Logger
}

// NewStandardize parses the file into marked-up text and names the
// document after the file stem.
func NewStandardize() fn.Stage[File, doc] {
	return func(_ context.Context, f File) fn.Result[doc] {
		text, err := extract.Text(f.Path)
		if err != nil {
			return fn.Err[doc](err)
		}
		base := filepath.Base(f.Path)
		title := strings.TrimSuffix(base, filepath.Ext(base))
		return fn.Ok(doc{File: f, Title: title, Text: text})
	}
}

// CleanStage scrubs extraction artifacts.
var CleanStage fn.Stage[doc, doc] = func(_ context.Context, d doc) fn.Result[doc] {
	d.Text = Clean(d.Text)
	if d.Text == "" {
		return fn.Err[doc](fmt.Errorf("%w: %s after cleaning", domain.ErrParse, d.Title))
	}
	return fn.Ok(d)
}

// NewChunkStage splits the text and builds the chunk records, each with a
// fresh opaque id and the file's retrievable URL.
func NewChunkStage(b Bounds, baseURL string) fn.Stage[doc, doc] {
	return func(_ context.Context, d doc) fn.Result[doc] {
		srcURL, err := SourceURL(d.Path, baseURL)
		if err != nil {
			return fn.Err[doc](err)
		}
		texts := ChunkText(d.Text, b)
		if len(texts) == 0 {
			return fn.Err[doc](fmt.Errorf("%w: %s produced no chunks", domain.ErrParse, d.Title))
		}
		d.Chunks = make([]Chunk, len(texts))
		for i, t := range texts {
			d.Chunks[i] = Chunk{
				ID:       uuid.NewString(),
				CourseID: d.CourseID,
				Title:    d.Title,
				URL:      srcURL,
				Text:     t,
			}
		}
		return fn.Ok(d)
	}
}

// NewEmbed submits chunk texts in batches through the breaker-guarded
// endpoint.
func NewEmbed(embedder Embedder, batchSize int, breaker *resilience.Breaker) fn.Stage[doc, doc] {
	if batchSize < 1 {
		batchSize = 1
	}
	return func(ctx context.Context, d doc) fn.Result[doc] {
		d.Vecs = make([][]float32, len(d.Chunks))
		for i := 0; i < len(d.Chunks); i += batchSize {
			end := min(i+batchSize, len(d.Chunks))
			texts := make([]string, end-i)
			for j, c := range d.Chunks[i:end] {
				texts[j] = c.Text
			}

			var vecs [][]float32
			call := func(ctx context.Context) error {
				var err error
				vecs, err = embedder.Embed(ctx, texts)
				return err
			}
			var err error
			if breaker != nil {
				err = breaker.Call(ctx, call)
			} else {
				err = call(ctx)
			}
			if err != nil {
				return fn.Err[doc](fmt.Errorf("embed batch %d: %w", i/batchSize, err))
			}
			copy(d.Vecs[i:end], vecs)
		}
		return fn.Ok(d)
	}
}

// NewStore upserts the embedded chunks into the course collection, creating
// it on first use. Returns the vector count added.
func NewStore(store VectorStore) fn.Stage[doc, int] {
	return func(ctx context.Context, d doc) fn.Result[int] {
		if len(d.Vecs) == 0 || len(d.Vecs[0]) == 0 {
			return fn.Err[int](fmt.Errorf("%w: no vectors for %s", domain.ErrEmbedding, d.Title))
		}
		collection := semantic.CollectionName(d.CourseID)
		if err := store.EnsureCollection(ctx, collection, len(d.Vecs[0])); err != nil {
			return fn.Err[int](err)
		}
		records := make([]semantic.VectorRecord, len(d.Chunks))
		for i, c := range d.Chunks {
			records[i] = semantic.VectorRecord{
				ID:        c.ID,
				Embedding: d.Vecs[i],
				Payload: map[string]any{
					"course_id": c.CourseID,
					"title":     c.Title,
					"url":       c.URL,
					"content":   c.Text,
				},
			}
		}
		if err := store.Upsert(ctx, collection, records); err != nil {
			return fn.Err[int](err)
		}
		return fn.Ok(len(records))
	}
}

// NewPipeline wires the stages: standardize, clean, chunk, embed, store.
// Each stage runs under its own span.
func NewPipeline(deps Deps) fn.Stage[File, int] {
	cleaned := fn.Then(
		fn.TracedStage("ingest.standardize", NewStandardize()),
		fn.TracedStage("ingest.clean", CleanStage))
	chunked := fn.Then(cleaned,
		fn.TracedStage("ingest.chunk", NewChunkStage(deps.Bounds, deps.BaseURL)))
	embedded := fn.Then(chunked,
		fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder, deps.BatchSize, deps.Breaker)))
	return fn.Then(embedded, fn.TracedStage("ingest.store", NewStore(deps.Store)))
}

// Run pushes every file through the pipeline. Per-file failures are logged
// and counted; parse failures count as skips since the artifact stays on
// disk for a later rebuild.
func Run(ctx context.Context, deps Deps, files []File) Stats {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pipeline := NewPipeline(deps)

	var stats Stats
	for _, f := range files {
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, ctx.Err().Error())
			return stats
		}
		n, err := pipeline(ctx, f).Unwrap()
		if err != nil {
			if errors.Is(err, domain.ErrParse) {
				log.Warn("ingest skip", "file", f.Path, "error", err)
				stats.FilesSkipped++
				continue
			}
			log.Error("ingest failed", "file", f.Path, "error", err)
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", filepath.Base(f.Path), err))
			continue
		}
		stats.FilesProcessed++
		stats.VectorsAdded += n
		log.Info("ingested", "file", filepath.Base(f.Path), "vectors", n)
	}
	return stats
}
