// Package progress collects the update run's progress events into an
// append-only stream that API callers can poll mid-run, and optionally
// mirrors each event onto a NATS subject for live consumers.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coursekb/coursekb/pkg/natsutil"
)

// Level classifies an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one progress record. Percent is -1 when the stage has no
// meaningful completion ratio. Thread names the emitting worker when a
// stage runs several in parallel.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Thread    string    `json:"thread,omitempty"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Percent   float64   `json:"percent"`
}

// Stream is a thread-safe append-only event log. The zero value is usable.
type Stream struct {
	mu     sync.Mutex
	events []Event

	nc      *nats.Conn
	subject string
	log     *slog.Logger
}

// New returns a stream that keeps events in memory only.
func New(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{log: log}
}

// WithNATS mirrors every event onto the given subject. Publish failures
// are logged and never interrupt the run.
func (s *Stream) WithNATS(nc *nats.Conn, subject string) *Stream {
	s.nc = nc
	s.subject = subject
	return s
}

// Emit appends an event stamped with the current time.
func (s *Stream) Emit(ctx context.Context, stage string, level Level, percent float64, format string, args ...any) {
	s.EmitAs(ctx, "", stage, level, percent, format, args...)
}

// EmitAs is Emit with a thread label identifying the emitting worker. A nil
// Stream discards events, so workers can emit unconditionally.
func (s *Stream) EmitAs(ctx context.Context, thread, stage string, level Level, percent float64, format string, args ...any) {
	if s == nil {
		return
	}
	ev := Event{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Thread:    thread,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Percent:   percent,
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	nc, subject := s.nc, s.subject
	s.mu.Unlock()

	if nc != nil {
		if err := natsutil.Publish(ctx, nc, subject, ev); err != nil {
			s.log.Warn("progress publish failed", "subject", subject, "error", err)
		}
	}
}

// Info emits an info event with no completion ratio.
func (s *Stream) Info(ctx context.Context, stage, format string, args ...any) {
	s.Emit(ctx, stage, LevelInfo, -1, format, args...)
}

// Warn emits a warning event.
func (s *Stream) Warn(ctx context.Context, stage, format string, args ...any) {
	s.Emit(ctx, stage, LevelWarn, -1, format, args...)
}

// Error emits an error event.
func (s *Stream) Error(ctx context.Context, stage, format string, args ...any) {
	s.Emit(ctx, stage, LevelError, -1, format, args...)
}

// Snapshot returns a copy of all events emitted so far, in order.
func (s *Stream) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Since returns events appended after index n, for incremental polling.
func (s *Stream) Since(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(s.events) {
		return nil
	}
	out := make([]Event, len(s.events)-n)
	copy(out, s.events[n:])
	return out
}

// Len reports the number of events emitted so far.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
