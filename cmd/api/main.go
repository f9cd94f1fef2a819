// Command api serves the knowledge base over HTTP: trigger an update run
// for a user, poll the run's progress events, and query indexed course
// material. Credentials enter here, flow to the session broker for the one
// run, and are never logged or stored.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coursekb/coursekb/engine/broker"
	"github.com/coursekb/coursekb/engine/config"
	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/ingest"
	"github.com/coursekb/coursekb/engine/scraper/exambase"
	"github.com/coursekb/coursekb/engine/scraper/moodle"
	"github.com/coursekb/coursekb/engine/search"
	"github.com/coursekb/coursekb/engine/semantic"
	"github.com/coursekb/coursekb/engine/update"
	"github.com/coursekb/coursekb/pkg/embed"
	"github.com/coursekb/coursekb/pkg/metrics"
	"github.com/coursekb/coursekb/pkg/mid"
	"github.com/coursekb/coursekb/pkg/progress"
	"github.com/coursekb/coursekb/pkg/repo"
	"github.com/coursekb/coursekb/pkg/resilience"
)

var met = metrics.New()

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	port := envOr("PORT", "8080")
	corsOrigin := envOr("CORS_ORIGIN", "*")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("coursekb_api", 15*time.Second)

	store, err := repo.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	vectors, err := semantic.New(cfg.QdrantAddr)
	if err != nil {
		return err
	}
	defer vectors.Close()

	prog := progress.New(logger)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Drain()
		prog = prog.WithNATS(nc, "coursekb.updates.progress")
	}

	embedder := embed.New(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel,
		cfg.EmbeddingAPIType, cfg.EmbeddingMaxChars, cfg.EmbeddingTimeout)
	pageLimiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 2, Burst: 4})

	eng := &update.Engine{
		Repo:   store,
		Driver: &broker.FormDriver{MoodleURL: cfg.MoodleURL, ExambaseURL: cfg.ExambaseURL},
		Moodle: moodle.New(cfg.MoodleURL, cfg.DownloadTimeout, pageLimiter, logger).WithProgress(prog),
		Exam:   exambase.New(cfg.ExambaseURL, cfg.DownloadTimeout, cfg.ExamSearchDelay, logger).WithProgress(prog),
		Ingest: ingest.Deps{
			Embedder: embedder,
			Store:    vectors,
			BaseURL:  cfg.KnowledgeBaseURL,
			Bounds: ingest.BoundsFromTokens(cfg.TargetTokens, cfg.MaxTokens,
				cfg.MinTokens, cfg.OverlapTokens, cfg.TokenCharsRatio),
			BatchSize: cfg.EmbeddingBatchSize,
			Breaker:   resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 5, Timeout: 30 * time.Second}),
			Logger:    logger,
		},
		Config:   cfg,
		Progress: prog,
		Metrics:  met,
		Log:      logger,
	}

	srv := newServer(eng, search.New(embedder, vectors, search.DefaultOptions(), logger), prog, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/update", srv.handleUpdate)
	mux.HandleFunc("GET /api/update", srv.handleUpdateStatus)
	mux.HandleFunc("GET /api/progress", srv.handleProgress)
	mux.HandleFunc("POST /api/search", srv.handleSearch)
	mux.Handle("GET /metrics", met.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(corsOrigin),
		mid.OTel("coursekb-api"),
	)

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// updateRunner is the orchestrator surface the server needs; satisfied by
// *update.Engine.
type updateRunner interface {
	Update(ctx context.Context, userID int64, creds domain.Credentials) (update.Stats, error)
}

// courseSearcher is the query surface; satisfied by *search.Service.
type courseSearcher interface {
	Query(ctx context.Context, courseID int64, question string, topK int) ([]semantic.SearchResult, error)
}

// server owns the mutable run state: one update at a time, its progress
// stream, and the last completed result.
type server struct {
	engine updateRunner
	search courseSearcher
	prog   *progress.Stream
	log    *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	last    *update.Stats
	lastErr string
}

func newServer(engine updateRunner, searcher courseSearcher, prog *progress.Stream, log *slog.Logger) *server {
	return &server{engine: engine, search: searcher, prog: prog, log: log}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UpdateRequest is the JSON body for POST /api/update.
type UpdateRequest struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds := domain.Credentials{Email: req.Email, Password: req.Password}
	if err := domain.ValidateCredentials(creds); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id, email and password are required")
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "an update is already running")
		return
	}

	go func() {
		defer s.running.Store(false)
		stats, err := s.engine.Update(context.Background(), req.UserID, creds)
		creds.Zero()
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.log.Error("update run failed", "user", req.UserID, "error", err)
			s.last, s.lastErr = nil, err.Error()
			return
		}
		s.last, s.lastErr = &stats, ""
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "user_id": req.UserID})
}

func (s *server) handleUpdateStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.running.Load(),
		"stats":   s.last,
		"error":   s.lastErr,
	})
}

func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	events := s.prog.Since(since)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"next":   since + len(events),
	})
}

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	CourseID int64  `json:"course_id"`
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CourseID == 0 || req.Question == "" {
		writeError(w, http.StatusBadRequest, "course_id and question are required")
		return
	}
	hits, err := s.search.Query(r.Context(), req.CourseID, req.Question, req.TopK)
	if err != nil {
		s.log.Error("search failed", "course", req.CourseID, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
