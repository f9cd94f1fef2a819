// Package exambase scrapes past exam papers from the institutional
// repository. One task covers one external course code; every internal
// course sharing the code receives a copy of the papers found.
package exambase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/scraper"
	"github.com/coursekb/coursekb/pkg/fn"
	"github.com/coursekb/coursekb/pkg/progress"
)

// CodeTask is one search against the repository: a course code plus the
// folder of every internal course mapped to it.
type CodeTask struct {
	Code    string
	Courses []domain.Course
	Folders []string // index-aligned with Courses
}

// CodeResult reports one code's outcome.
type CodeResult struct {
	Code       string
	Courses    []domain.Course
	NewFiles   []string
	ExamsFound int
	Downloaded int
	Duplicates int
	Errors     []error
	Scraped    bool
}

// Worker searches and downloads from the exam repository.
type Worker struct {
	baseURL         string
	downloadTimeout time.Duration
	pace            *rate.Limiter // politeness delay between code searches
	log             *slog.Logger
	prog            *progress.Stream
}

// New creates an exam worker. searchDelay spaces out successive searches.
func New(baseURL string, downloadTimeout, searchDelay time.Duration, log *slog.Logger) *Worker {
	every := rate.Every(searchDelay)
	if searchDelay <= 0 {
		every = rate.Inf
	}
	return &Worker{
		baseURL:         strings.TrimRight(baseURL, "/"),
		downloadTimeout: downloadTimeout,
		pace:            rate.NewLimiter(every, 1),
		log:             log.With("source", domain.SourceExambase),
	}
}

// WithProgress mirrors per-file activity onto the stream.
func (w *Worker) WithProgress(p *progress.Stream) *Worker {
	w.prog = p
	return w
}

// Source identifies this worker's upstream.
func (w *Worker) Source() domain.Source { return domain.SourceExambase }

// fileEvent reports one paper's download state on the progress stream,
// tagged with the code the worker is searching.
func (w *Worker) fileEvent(ctx context.Context, code string, level progress.Level, format string, args ...any) {
	stage := string(domain.SourceExambase)
	w.prog.EmitAs(ctx, stage+"/"+code, stage, level, -1, format, args...)
}

// Fetch searches the repository once for the task's code and fans the
// results out into every mapped folder. A paper already fetched for one
// folder is copied, not re-transferred, into the others.
func (w *Worker) Fetch(ctx context.Context, client *http.Client, task CodeTask) CodeResult {
	res := CodeResult{Code: task.Code, Courses: task.Courses}
	log := w.log.With("code", task.Code)

	if err := w.pace.Wait(ctx); err != nil {
		res.Errors = append(res.Errors, err)
		return res
	}

	body, err := w.search(ctx, client, task.Code)
	if err != nil {
		res.Errors = append(res.Errors, domain.NewSourceError(domain.SourceExambase, task.Code,
			fmt.Errorf("search: %w", err)))
		return res
	}
	// The repository reports an empty result set in prose rather than with
	// an empty listing.
	if strings.Contains(body, "Total number of hits is 0") {
		res.Scraped = true
		log.Info("no papers on record")
		return res
	}
	rows := parseListing(body, w.baseURL)
	res.ExamsFound = len(rows)
	res.Scraped = true

	dedups := make([]*scraper.DedupSet, len(task.Folders))
	for i, folder := range task.Folders {
		dedups[i] = scraper.NewDedupSet(folder)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
		name := CanonicalFilename(task.Code, row.Title, row.Date, row.Subclasses)
		var local string // first committed copy this run
		for i, folder := range task.Folders {
			if !dedups[i].Claim(name) {
				res.Duplicates++
				continue
			}
			dest := filepath.Join(folder, name)
			if local != "" {
				if err := copyFile(local, dest); err != nil {
					w.fileEvent(ctx, task.Code, progress.LevelWarn, "failed %s: %v", name, err)
					res.Errors = append(res.Errors, fmt.Errorf("copy %s: %w", name, err))
					continue
				}
			} else {
				w.fileEvent(ctx, task.Code, progress.LevelInfo, "downloading %s", name)
				dlCtx, cancel := context.WithTimeout(ctx, w.downloadTimeout)
				_, err := scraper.Download(dlCtx, client, row.URL, dest)
				cancel()
				if err != nil {
					log.Warn("download failed", "file", name, "error", err)
					w.fileEvent(ctx, task.Code, progress.LevelWarn, "failed %s: %v", name, err)
					res.Errors = append(res.Errors, fmt.Errorf("download %s: %w", name, err))
					continue
				}
				local = dest
				log.Info("downloaded", "file", name)
			}
			w.fileEvent(ctx, task.Code, progress.LevelInfo, "ok %s", name)
			res.NewFiles = append(res.NewFiles, dest)
			res.Downloaded++
		}
	}
	return res
}

func (w *Worker) search(ctx context.Context, client *http.Client, code string) (string, error) {
	u := fmt.Sprintf("%s/search?mode=course_code&q=%s", w.baseURL, url.QueryEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// examRow is one parsed result listing entry.
type examRow struct {
	Title      string
	URL        string
	Date       string // yyyy-mm-dd, empty when absent
	Subclasses []string
}

var (
	anchorRe   = regexp.MustCompile(`(?is)<a[^>]+href="([^"]+\.pdf[^"]*)"[^>]*>(.*?)</a>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	dateRe     = regexp.MustCompile(`\b(\d{1,2})-(\d{1,2})-(\d{4})\b`)
	subclassRe = regexp.MustCompile(`(?i)subclass(?:es)?\s*:?\s*([A-Z][A-Z\s,&]*)`)
	letterRe   = regexp.MustCompile(`\b[A-Z]\b`)
)

// parseListing extracts result rows from a search results page. Each PDF
// anchor owns the text that follows it up to the next anchor; the date and
// subclass annotations live in that block.
func parseListing(body, baseURL string) []examRow {
	matches := anchorRe.FindAllStringSubmatchIndex(body, -1)
	rows := make([]examRow, 0, len(matches))
	for i, m := range matches {
		href := body[m[2]:m[3]]
		title := strings.TrimSpace(tagRe.ReplaceAllString(body[m[4]:m[5]], " "))
		blockEnd := len(body)
		if i+1 < len(matches) {
			blockEnd = matches[i+1][0]
		}
		block := tagRe.ReplaceAllString(body[m[1]:blockEnd], " ")

		rows = append(rows, examRow{
			Title:      title,
			URL:        resolveURL(baseURL, href),
			Date:       examDate(block),
			Subclasses: subclasses(block),
		})
	}
	return rows
}

func resolveURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	return baseURL + "/" + strings.TrimLeft(href, "/")
}

// examDate converts the first d-m-yyyy occurrence to yyyy-mm-dd.
func examDate(block string) string {
	m := dateRe.FindStringSubmatch(block)
	if m == nil {
		return ""
	}
	return m[3] + "-" + pad2(m[2]) + "-" + pad2(m[1])
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// subclasses collects the section letters after a "subclass" annotation,
// preserving order and dropping repeats.
func subclasses(block string) []string {
	m := subclassRe.FindStringSubmatch(block)
	if m == nil {
		return nil
	}
	return fn.Unique(letterRe.FindAllString(m[1], -1))
}

var nonWordRe = regexp.MustCompile(`[^\w\s]`)
var spaceRe = regexp.MustCompile(`\s+`)

// CanonicalFilename derives the deterministic filename for one result row:
// <code>_<title_slug>[_<yyyy-mm-dd>][_subclass_<A>_<B>...].pdf. The code
// prefix is added only when the slug does not already start with it.
func CanonicalFilename(code, title, date string, subs []string) string {
	slug := nonWordRe.ReplaceAllString(title, "")
	slug = spaceRe.ReplaceAllString(strings.TrimSpace(slug), "_")

	name := slug
	if !strings.HasPrefix(strings.ToUpper(slug), strings.ToUpper(code)) {
		name = code + "_" + slug
	}
	if date != "" {
		name += "_" + date
	}
	if len(subs) > 0 {
		name += "_subclass_" + strings.Join(subs, "_")
	}
	return name + ".pdf"
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}
