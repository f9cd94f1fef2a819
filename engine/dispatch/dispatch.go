// Package dispatch runs a pool of scrape workers for one source. Tasks are
// pulled from a shared queue so slow courses do not stall fast ones; each
// worker goroutine owns a broker session for the pool's lifetime.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coursekb/coursekb/engine/broker"
	"github.com/coursekb/coursekb/engine/domain"
)

// Acquirer mints authenticated sessions; satisfied by *broker.Broker.
type Acquirer interface {
	Acquire(ctx context.Context, src domain.Source) (*broker.Session, error)
}

// Outcome is what Run returns: per-task results in completion order, plus a
// fatal error when the source itself failed (login exhausted, unreachable).
// Results may be partial when Fatal is set or the context was cancelled.
type Outcome[R any] struct {
	Results []R
	Fatal   error
}

// Run executes tasks against one source with n workers. Workers are created
// eagerly, acquire their sessions up front (the broker serializes the login
// step), and close them when the queue drains. A login failure on any
// worker is fatal for the whole source: remaining tasks are abandoned and
// already-collected results are returned.
func Run[T, R any](
	ctx context.Context,
	sessions Acquirer,
	src domain.Source,
	tasks []T,
	n int,
	work func(ctx context.Context, client *http.Client, task T) R,
	log *slog.Logger,
) Outcome[R] {
	if n < 1 {
		n = 1
	}
	if n > len(tasks) {
		n = len(tasks)
	}
	if len(tasks) == 0 {
		return Outcome[R]{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan T)
	results := make(chan R, len(tasks))
	fatals := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sess, err := sessions.Acquire(ctx, src)
			if err != nil {
				log.Error("worker login failed", "source", src, "worker", id, "error", err)
				fatals <- err
				cancel() // the source is unusable; stop the pool
				return
			}
			defer sess.Close()
			log.Info("worker ready", "source", src, "worker", id)

			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-queue:
					if !ok {
						return
					}
					results <- work(ctx, sess.Client, task)
				}
			}
		}(i)
	}

	go func() {
		defer close(queue)
		for _, t := range tasks {
			select {
			case <-ctx.Done():
				return
			case queue <- t:
			}
		}
	}()

	wg.Wait()
	close(results)
	close(fatals)

	out := Outcome[R]{}
	for r := range results {
		out.Results = append(out.Results, r)
	}
	var errs []error
	for err := range fatals {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		out.Fatal = errors.Join(errs...)
	} else if err := ctx.Err(); err != nil && len(out.Results) < len(tasks) {
		out.Fatal = err
	}
	return out
}
