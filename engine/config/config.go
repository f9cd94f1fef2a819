// Package config loads the update engine's runtime configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AltSourceRule routes courses whose title matches Pattern to a public
// alternate root URL instead of the portal course page.
type AltSourceRule struct {
	Pattern string
	RootURL string
}

// Config holds every tunable of an update run.
type Config struct {
	// Freshness thresholds per source.
	MoodleThreshold   time.Duration
	ExambaseThreshold time.Duration

	// Worker pool size per source dispatcher.
	ParallelWorkers int

	// Upstream roots.
	MoodleURL   string
	ExambaseURL string

	// Storage.
	RootDir    string // parent of knowledge_base/
	QdrantAddr string // vector store gRPC address

	// Chunker bounds, in tokens; chars = tokens * TokenCharsRatio.
	TargetTokens    int
	MaxTokens       int
	MinTokens       int
	OverlapTokens   int
	TokenCharsRatio float64

	// Embedding endpoint.
	EmbeddingAPIType   string // "batch" or "one-by-one"
	EmbeddingAPIURL    string
	EmbeddingAPIKey    string
	EmbeddingModel     string
	EmbeddingBatchSize int
	EmbeddingMaxChars  int
	EmbeddingTimeout   time.Duration

	// Static-file base URL for chunk source links.
	KnowledgeBaseURL string

	// Timeouts.
	PageTimeout     time.Duration
	DownloadTimeout time.Duration

	// Politeness delay between distinct exam-code searches.
	ExamSearchDelay time.Duration

	// Metadata store.
	DatabaseURL string

	// Progress bus; empty disables NATS publishing.
	NATSURL string

	// Metrics listen address; empty disables the endpoint.
	MetricsAddr string

	// AltSources routes special-case courses to public mirrors.
	AltSources []AltSourceRule
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment wins.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		MoodleThreshold:   envDuration("T_LMS", 24*time.Hour),
		ExambaseThreshold: envDuration("T_EXAM", 30*24*time.Hour),
		ParallelWorkers:   envInt("PARALLEL_WORKERS", 3),

		MoodleURL:   envOr("MOODLE_URL", "https://moodle.hku.hk"),
		ExambaseURL: envOr("EXAMBASE_URL", "https://exambase.lib.hku.hk"),

		RootDir:    envOr("ROOT_DIR", "."),
		QdrantAddr: envOr("QDRANT_ADDR", "localhost:6334"),

		TargetTokens:    envInt("TARGET_TOKENS", 400),
		MaxTokens:       envInt("MAX_TOKENS", 512),
		MinTokens:       envInt("MIN_TOKENS", 64),
		OverlapTokens:   envInt("OVERLAP_TOKENS", 40),
		TokenCharsRatio: envFloat("TOKEN_CHARS_RATIO", 4.0),

		EmbeddingAPIType:   envOr("EMBEDDING_API_TYPE", "batch"),
		EmbeddingAPIURL:    os.Getenv("EMBEDDING_API_URL"),
		EmbeddingAPIKey:    os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingModel:     envOr("EMBEDDING_MODEL", "bge-m3"),
		EmbeddingBatchSize: envInt("EMBEDDING_BATCH_SIZE", 10),
		EmbeddingMaxChars:  envInt("EMBEDDING_MAX_CHARS", 6000),
		EmbeddingTimeout:   envDuration("EMBEDDING_TIMEOUT_S", 60*time.Second),

		KnowledgeBaseURL: envOr("KNOWLEDGE_BASE_URL", "http://localhost:8080"),

		PageTimeout:     envDuration("PAGE_TIMEOUT_S", 5*time.Second),
		DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT_S", 30*time.Second),
		ExamSearchDelay: envDuration("EXAM_SEARCH_DELAY_S", 2*time.Second),

		DatabaseURL: envOr("DATABASE_URL", "postgres://localhost:5432/coursekb"),
		NATSURL:     os.Getenv("NATS_URL"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		AltSources: parseAltSources(os.Getenv("ALT_SOURCES")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.ParallelWorkers < 1 {
		return fmt.Errorf("config: PARALLEL_WORKERS must be >= 1, got %d", c.ParallelWorkers)
	}
	if c.MinTokens <= 0 || c.MaxTokens < c.MinTokens || c.TargetTokens > c.MaxTokens {
		return fmt.Errorf("config: chunk bounds min=%d target=%d max=%d are inconsistent",
			c.MinTokens, c.TargetTokens, c.MaxTokens)
	}
	if c.TokenCharsRatio <= 0 {
		return fmt.Errorf("config: TOKEN_CHARS_RATIO must be positive")
	}
	switch c.EmbeddingAPIType {
	case "batch", "one-by-one":
	default:
		return fmt.Errorf("config: EMBEDDING_API_TYPE %q (want batch or one-by-one)", c.EmbeddingAPIType)
	}
	if c.EmbeddingBatchSize < 1 {
		return fmt.Errorf("config: EMBEDDING_BATCH_SIZE must be >= 1")
	}
	return nil
}

// AltSourceFor returns the alternate root URL for a course title, if any
// configured rule matches it (case-insensitive substring).
func (c Config) AltSourceFor(title string) (string, bool) {
	lower := strings.ToLower(title)
	for _, r := range c.AltSources {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r.RootURL, true
		}
	}
	return "", false
}

// parseAltSources decodes "pattern=url;pattern=url" rule lists.
func parseAltSources(raw string) []AltSourceRule {
	if raw == "" {
		return nil
	}
	var rules []AltSourceRule
	for _, pair := range strings.Split(raw, ";") {
		pattern, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || pattern == "" || url == "" {
			continue
		}
		rules = append(rules, AltSourceRule{Pattern: pattern, RootURL: url})
	}
	return rules
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts either a Go duration string ("24h") or, for keys
// suffixed _S, a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return fallback
}
