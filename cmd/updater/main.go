// Command updater runs one knowledge-base refresh for a user: scrape the
// course portal and the exam repository for stale courses, then index the
// new files into the per-course vector collections.
//
// Credentials come from UPDATER_EMAIL and UPDATER_PASSWORD so they never
// appear in the process list; everything else is configured through the
// environment (see engine/config).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coursekb/coursekb/engine/broker"
	"github.com/coursekb/coursekb/engine/config"
	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/ingest"
	"github.com/coursekb/coursekb/engine/scraper/exambase"
	"github.com/coursekb/coursekb/engine/scraper/moodle"
	"github.com/coursekb/coursekb/engine/semantic"
	"github.com/coursekb/coursekb/engine/update"
	"github.com/coursekb/coursekb/pkg/embed"
	"github.com/coursekb/coursekb/pkg/metrics"
	"github.com/coursekb/coursekb/pkg/progress"
	"github.com/coursekb/coursekb/pkg/repo"
	"github.com/coursekb/coursekb/pkg/resilience"
)

var met = metrics.New()

func main() {
	var (
		userID  = flag.Int64("user", 0, "user id to refresh")
		migrate = flag.Bool("migrate", false, "apply schema migrations and exit")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*userID, *migrate, log); err != nil {
		log.Error("updater failed", "error", err)
		os.Exit(1)
	}
}

func run(userID int64, migrateOnly bool, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	met.CollectRuntime("coursekb_updater", 15*time.Second)
	if port := metricsPort(cfg.MetricsAddr); port != 0 {
		met.ServeAsync(port)
	}

	store, err := repo.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if migrateOnly {
		log.Info("migrations applied")
		return nil
	}

	if userID == 0 {
		return fmt.Errorf("-user is required")
	}
	creds := domain.Credentials{
		Email:    os.Getenv("UPDATER_EMAIL"),
		Password: os.Getenv("UPDATER_PASSWORD"),
	}
	if err := domain.ValidateCredentials(creds); err != nil {
		return fmt.Errorf("set UPDATER_EMAIL and UPDATER_PASSWORD: %w", err)
	}

	vectors, err := semantic.New(cfg.QdrantAddr)
	if err != nil {
		return err
	}
	defer vectors.Close()

	prog := progress.New(log)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Drain()
		prog = prog.WithNATS(nc, "coursekb.updates.progress")
		log.Info("progress events on NATS", "subject", "coursekb.updates.progress")
	}

	pageLimiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 2, Burst: 4})
	embedder := embed.New(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel,
		cfg.EmbeddingAPIType, cfg.EmbeddingMaxChars, cfg.EmbeddingTimeout)

	eng := &update.Engine{
		Repo:   store,
		Driver: &broker.FormDriver{MoodleURL: cfg.MoodleURL, ExambaseURL: cfg.ExambaseURL},
		Moodle: moodle.New(cfg.MoodleURL, cfg.DownloadTimeout, pageLimiter, log).WithProgress(prog),
		Exam:   exambase.New(cfg.ExambaseURL, cfg.DownloadTimeout, cfg.ExamSearchDelay, log).WithProgress(prog),
		Ingest: ingest.Deps{
			Embedder: embedder,
			Store:    vectors,
			BaseURL:  cfg.KnowledgeBaseURL,
			Bounds: ingest.BoundsFromTokens(cfg.TargetTokens, cfg.MaxTokens,
				cfg.MinTokens, cfg.OverlapTokens, cfg.TokenCharsRatio),
			BatchSize: cfg.EmbeddingBatchSize,
			Breaker:   resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 5, Timeout: 30 * time.Second}),
			Logger:    log,
		},
		Config:   cfg,
		Progress: prog,
		Metrics:  met,
		Log:      log,
	}

	stats, err := eng.Update(ctx, userID, creds)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !stats.Success {
		return fmt.Errorf("update finished with source failures")
	}
	return nil
}

// metricsPort extracts the port from an addr like ":9091" or "0.0.0.0:9091".
func metricsPort(addr string) int {
	if addr == "" {
		return 0
	}
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		addr = addr[i+1:]
	}
	n, err := strconv.Atoi(addr)
	if err != nil {
		return 0
	}
	return n
}
