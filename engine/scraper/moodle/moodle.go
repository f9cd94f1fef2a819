// Package moodle scrapes course materials from the learning-management
// portal. One Fetch call handles one course: enumerate the landing page,
// resolve resource and folder pages to concrete file URLs, then download
// whatever the course folder does not already hold.
package moodle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/scraper"
	"github.com/coursekb/coursekb/pkg/progress"
	"github.com/coursekb/coursekb/pkg/resilience"
)

// Worker scrapes the portal. Safe for use by one goroutine at a time; the
// dispatcher gives each worker goroutine its own instance.
type Worker struct {
	baseURL         string
	downloadTimeout time.Duration
	limiter         *resilience.Limiter
	log             *slog.Logger
	prog            *progress.Stream
}

// New creates a portal worker. The limiter paces page fetches against the
// portal; downloads are paced implicitly by being sequential.
func New(baseURL string, downloadTimeout time.Duration, limiter *resilience.Limiter, log *slog.Logger) *Worker {
	return &Worker{
		baseURL:         strings.TrimRight(baseURL, "/"),
		downloadTimeout: downloadTimeout,
		limiter:         limiter,
		log:             log.With("source", domain.SourceMoodle),
	}
}

// WithProgress mirrors per-file activity onto the stream.
func (w *Worker) WithProgress(p *progress.Stream) *Worker {
	w.prog = p
	return w
}

// Source identifies this worker's upstream.
func (w *Worker) Source() domain.Source { return domain.SourceMoodle }

// fileEvent reports one file's download state on the progress stream,
// tagged with the course the worker is on.
func (w *Worker) fileEvent(ctx context.Context, code string, level progress.Level, format string, args ...any) {
	stage := string(domain.SourceMoodle)
	w.prog.EmitAs(ctx, stage+"/"+code, stage, level, -1, format, args...)
}

// candidate is one discovered downloadable file.
type candidate struct {
	name string
	url  string
}

// Fetch scrapes one course. Per-file failures are collected, not fatal; the
// course counts as scraped when the landing page enumeration completed.
func (w *Worker) Fetch(ctx context.Context, client *http.Client, task scraper.Task) scraper.Result {
	res := scraper.Result{Course: task.Course}
	log := w.log.With("course", task.Course.Code)

	root, err := w.fetchPage(ctx, client, task.PageURL)
	if err != nil {
		res.Errors = append(res.Errors, domain.NewSourceError(domain.SourceMoodle, task.Course.Code,
			fmt.Errorf("landing page: %w", err)))
		return res
	}

	candidates := w.collect(ctx, client, task.PageURL, root, &res)
	res.Scraped = true

	dedup := scraper.NewDedupSet(task.Folder)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
		if !dedup.Claim(c.name) {
			res.Duplicates++
			continue
		}
		dest := filepath.Join(task.Folder, c.name)
		w.fileEvent(ctx, task.Course.Code, progress.LevelInfo, "downloading %s", c.name)
		dlCtx, cancel := context.WithTimeout(ctx, w.downloadTimeout)
		n, err := scraper.Download(dlCtx, client, c.url, dest)
		cancel()
		if err != nil {
			log.Warn("download failed", "file", c.name, "error", err)
			w.fileEvent(ctx, task.Course.Code, progress.LevelWarn, "failed %s: %v", c.name, err)
			res.Errors = append(res.Errors, fmt.Errorf("download %s: %w", c.name, err))
			continue
		}
		log.Info("downloaded", "file", c.name, "bytes", n)
		w.fileEvent(ctx, task.Course.Code, progress.LevelInfo, "ok %s", c.name)
		res.NewFiles = append(res.NewFiles, dest)
	}
	return res
}

// collect walks the landing page's links and resolves them to candidates.
// Resource and folder pages are fetched with the session cookies; non-HTML
// responses are treated as the file itself.
func (w *Worker) collect(ctx context.Context, client *http.Client, pageURL string, root *html.Node, res *scraper.Result) []candidate {
	var out []candidate
	seen := make(map[string]bool)
	add := func(c candidate) {
		if c.name == "" || !scraper.AllowedFile(c.name) {
			return
		}
		key := strings.ToLower(c.name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	for _, href := range collectLinks(root, pageURL) {
		switch classify(href) {
		case linkDirect:
			add(candidate{name: scraper.FilenameFromURL(href), url: href})
		case linkResource:
			cands, err := w.resolveResource(ctx, client, href)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("resource %s: %w", href, err))
				continue
			}
			for _, c := range cands {
				add(c)
			}
		}
	}
	return out
}

type linkKind int

const (
	linkIgnore linkKind = iota
	linkDirect
	linkResource
)

func classify(href string) linkKind {
	switch {
	case strings.Contains(href, "pluginfile"):
		return linkDirect
	case strings.Contains(href, "/mod/resource/"), strings.Contains(href, "/mod/folder/"):
		return linkResource
	case scraper.AllowedFile(scraper.FilenameFromURL(href)):
		// Public mirror pages link files by plain anchors.
		return linkDirect
	}
	return linkIgnore
}

// resolveResource fetches a resource or folder page. A non-HTML response is
// the file itself; an HTML response is parsed for nested file links.
func (w *Worker) resolveResource(ctx context.Context, client *http.Client, pageURL string) ([]candidate, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") {
		// Redirected straight to the file body. Name it from the
		// disposition header, falling back to the final URL.
		name := scraper.FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
		finalURL := pageURL
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}
		if name == "" {
			name = scraper.FilenameFromURL(finalURL)
		}
		return []candidate{{name: name, url: finalURL}}, nil
	}

	node, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var cands []candidate
	for _, href := range collectLinks(node, pageURL) {
		if strings.Contains(href, "pluginfile") || scraper.AllowedFile(scraper.FilenameFromURL(href)) {
			cands = append(cands, candidate{name: scraper.FilenameFromURL(href), url: href})
		}
	}
	for _, src := range collectEmbeds(node, pageURL) {
		cands = append(cands, candidate{name: scraper.FilenameFromURL(src), url: src})
	}
	return cands, nil
}

func (w *Worker) fetchPage(ctx context.Context, client *http.Client, pageURL string) (*html.Node, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return html.Parse(resp.Body)
}

// collectLinks returns every anchor href on the page, resolved against the
// page URL.
func collectLinks(root *html.Node, pageURL string) []string {
	return harvestAttrs(root, pageURL, map[string]string{"a": "href"})
}

// collectEmbeds returns file URLs referenced by object, embed, and iframe
// elements.
func collectEmbeds(root *html.Node, pageURL string) []string {
	return harvestAttrs(root, pageURL, map[string]string{
		"object": "data", "embed": "src", "iframe": "src",
	})
}

func harvestAttrs(root *html.Node, pageURL string, wanted map[string]string) []string {
	base, _ := url.Parse(pageURL)
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if attr, ok := wanted[n.Data]; ok {
				for _, a := range n.Attr {
					if a.Key != attr || a.Val == "" {
						continue
					}
					val := a.Val
					if base != nil {
						if u, err := base.Parse(val); err == nil {
							val = u.String()
						}
					}
					out = append(out, val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// CourseLink is one entry of the user's dashboard course list.
type CourseLink struct {
	Title string
	URL   string
}

// ListCourses harvests the logged-in user's course list from the dashboard.
// Used once when a user has no recorded enrollments.
func (w *Worker) ListCourses(ctx context.Context, client *http.Client) ([]CourseLink, error) {
	dashboard := w.baseURL + "/my/"
	root, err := w.fetchPage(ctx, client, dashboard)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	var links []CourseLink
	seen := make(map[string]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			for _, a := range n.Attr {
				if a.Key == "href" {
					href = a.Val
				}
			}
			if strings.Contains(href, "/course/view.php?id=") && !seen[href] {
				title := strings.TrimSpace(textContent(n))
				if title != "" {
					seen[href] = true
					links = append(links, CourseLink{Title: title, URL: href})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return links, nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// CoursePageURL builds the portal landing page URL for a dashboard link,
// resolving relative links against the configured base.
func (w *Worker) CoursePageURL(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	return w.baseURL + "/" + strings.TrimLeft(href, "/")
}
