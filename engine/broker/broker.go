// Package broker mints authenticated upstream sessions for scrape workers.
// Interactive logins are serialized by a single process-wide mutex because
// the identity provider misbehaves under concurrent logins from one account.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/pkg/fn"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateNew State = iota
	StateLoggingIn
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateLoggingIn:
		return "LOGGING_IN"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Driver performs one interactive login attempt against a source. The
// production driver wraps the headless browser flow; tests inject fakes.
// The client carries a fresh empty cookie jar that Login must populate.
type Driver interface {
	Login(ctx context.Context, src domain.Source, client *http.Client, creds domain.Credentials) error
}

// Session is one authenticated browser-like context. Sessions are never
// shared between workers; each owns its own cookie jar.
type Session struct {
	Source domain.Source
	Client *http.Client

	state atomic.Int32
}

// State reports the session's lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Close releases the session. Terminal; safe to call twice.
func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
	if s.Client != nil {
		s.Client.CloseIdleConnections()
	}
}

// Broker holds one run's credentials and mints sessions on demand.
type Broker struct {
	driver  Driver
	log     *slog.Logger
	retry   fn.RetryOpts
	timeout time.Duration

	mu    sync.Mutex // login mutex, shared across all workers and sources
	creds domain.Credentials

	loginsInFlight atomic.Int32
}

// New creates a broker for one update run. Credentials live only as long as
// the broker; Close wipes them.
func New(driver Driver, creds domain.Credentials, pageTimeout time.Duration, log *slog.Logger) *Broker {
	return &Broker{
		driver:  driver,
		creds:   creds,
		timeout: pageTimeout,
		log:     log,
		retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 2 * time.Second,
			MaxWait:     15 * time.Second,
			Jitter:      true,
		},
	}
}

// WithRetry replaces the default login backoff policy.
func (b *Broker) WithRetry(opts fn.RetryOpts) *Broker {
	b.retry = opts
	return b
}

// Acquire mints a fresh authenticated session for the source. It blocks on
// the login mutex for the duration of the interactive login only; callers
// scrape concurrently afterwards. Up to 3 attempts with backoff, each one on
// a reinitialized client. Fails with the auth sentinel when attempts
// exhaust, or the network sentinel when the provider was never reachable.
func (b *Broker) Acquire(ctx context.Context, src domain.Source) (*Session, error) {
	sess := &Session{Source: src}

	b.mu.Lock()
	defer b.mu.Unlock()

	sess.state.Store(int32(StateLoggingIn))
	b.loginsInFlight.Add(1)
	defer b.loginsInFlight.Add(-1)

	b.log.Info("login start", "source", src)

	res := fn.Retry(ctx, b.retry, func(ctx context.Context) fn.Result[*http.Client] {
		// Each attempt gets a brand new context: empty jar, no pooled conns.
		jar, err := cookiejar.New(nil)
		if err != nil {
			return fn.Err[*http.Client](err)
		}
		client := &http.Client{Jar: jar, Timeout: b.timeout}
		if err := b.driver.Login(ctx, src, client, b.creds); err != nil {
			client.CloseIdleConnections()
			b.log.Warn("login attempt failed", "source", src, "error", err)
			return fn.Err[*http.Client](err)
		}
		return fn.Ok(client)
	})
	client, err := res.Unwrap()
	if err != nil {
		sess.state.Store(int32(StateClosed))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A provider that was never reachable surfaces as a network
		// failure; anything else after 3 attempts is an auth failure.
		if isNetwork(err) {
			return nil, domain.NewSourceError(src, "", fmt.Errorf("%w: %v", domain.ErrNetwork, err))
		}
		return nil, domain.NewSourceError(src, "", fmt.Errorf("%w: %v", domain.ErrAuth, err))
	}

	sess.Client = client
	sess.state.Store(int32(StateAuthenticated))
	b.log.Info("login ok", "source", src)
	return sess, nil
}

// LoginsInFlight reports how many logins are currently executing. The login
// mutex keeps this at most 1.
func (b *Broker) LoginsInFlight() int32 { return b.loginsInFlight.Load() }

// Close wipes the broker's credential copy. The broker is unusable after.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds.Zero()
}

func isNetwork(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, domain.ErrNetwork)
}
