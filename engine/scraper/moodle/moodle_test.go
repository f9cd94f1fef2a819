package moodle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/scraper"
	"github.com/coursekb/coursekb/pkg/progress"
	"github.com/coursekb/coursekb/pkg/resilience"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testWorker(baseURL string) *Worker {
	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 1000, Burst: 100})
	return New(baseURL, 5*time.Second, lim, discard)
}

// portal serves a small fake course site.
func portal(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fileHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/course/view.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
<a href="/pluginfile.php/10/mod_resource/content/1/Week%%201.pdf">Week 1</a>
<a href="/mod/resource/view.php?id=55">Resource page</a>
<a href="/mod/folder/view.php?id=60">Folder page</a>
<a href="/pluginfile.php/11/archive.zip">Archive</a>
<a href="/forum/view.php?id=9">Forum</a>
</body></html>`)
	})
	mux.HandleFunc("/mod/resource/view.php", func(w http.ResponseWriter, r *http.Request) {
		// Direct non-HTML response with a disposition filename.
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="tutorial_3.pdf"`)
		w.Write([]byte("%PDF-1.4 tutorial"))
	})
	mux.HandleFunc("/mod/folder/view.php", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>
<a href="/pluginfile.php/12/mod_folder/content/0/Assignment.docx">Assignment</a>
<iframe src="/pluginfile.php/13/embedded_slides.pptx"></iframe>
<a href="/pluginfile.php/10/mod_resource/content/1/Week%%201.pdf">Week 1 again</a>
</body></html>`)
	})
	mux.HandleFunc("/pluginfile.php/", func(w http.ResponseWriter, r *http.Request) {
		fileHits.Add(1)
		w.Write([]byte("%PDF-1.4 content of " + r.URL.Path))
	})
	return httptest.NewServer(mux), &fileHits
}

func TestFetchDownloadsCourseFiles(t *testing.T) {
	srv, _ := portal(t)
	defer srv.Close()
	w := testWorker(srv.URL)

	folder := t.TempDir()
	task := scraper.Task{
		Course:  domain.Course{ID: 1, Code: "COMP7103", Title: "COMP7103 Data mining"},
		Folder:  folder,
		PageURL: srv.URL + "/course/view.php?id=1",
	}
	res := w.Fetch(context.Background(), srv.Client(), task)
	if !res.Scraped {
		t.Fatalf("course not marked scraped; errors: %v", res.Errors)
	}
	// Week 1.pdf, tutorial_3.pdf, Assignment.docx, embedded_slides.pptx.
	if len(res.NewFiles) != 4 {
		t.Fatalf("got %d files %v, want 4", len(res.NewFiles), res.NewFiles)
	}
	for _, f := range res.NewFiles {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(folder, "Week 1.pdf")); err != nil {
		t.Error("decoded filename not used")
	}
	if _, err := os.Stat(filepath.Join(folder, "archive.zip")); !os.IsNotExist(err) {
		t.Error("archive extension downloaded")
	}
}

func TestFetchReportsPerFileProgress(t *testing.T) {
	srv, _ := portal(t)
	defer srv.Close()
	prog := progress.New(discard)
	w := testWorker(srv.URL).WithProgress(prog)

	task := scraper.Task{
		Course:  domain.Course{ID: 1, Code: "COMP7103"},
		Folder:  t.TempDir(),
		PageURL: srv.URL + "/course/view.php?id=1",
	}
	res := w.Fetch(context.Background(), srv.Client(), task)

	var downloading, ok int
	for _, ev := range prog.Snapshot() {
		if ev.Stage != "moodle" || ev.Thread != "moodle/COMP7103" {
			t.Errorf("event tagged stage=%q thread=%q", ev.Stage, ev.Thread)
		}
		switch {
		case strings.HasPrefix(ev.Message, "downloading "):
			downloading++
		case strings.HasPrefix(ev.Message, "ok "):
			ok++
		}
	}
	if downloading != len(res.NewFiles) || ok != len(res.NewFiles) {
		t.Errorf("downloading=%d ok=%d, want %d each", downloading, ok, len(res.NewFiles))
	}
}

func TestFetchDuplicateDiscoveredTwiceTransfersOnce(t *testing.T) {
	srv, fileHits := portal(t)
	defer srv.Close()
	w := testWorker(srv.URL)

	task := scraper.Task{
		Course:  domain.Course{ID: 1, Code: "COMP7103"},
		Folder:  t.TempDir(),
		PageURL: srv.URL + "/course/view.php?id=1",
	}
	res := w.Fetch(context.Background(), srv.Client(), task)
	// Week 1.pdf is linked on the landing page and inside the folder page;
	// only one body transfer happens for it.
	var weekHits int
	for _, f := range res.NewFiles {
		if filepath.Base(f) == "Week 1.pdf" {
			weekHits++
		}
	}
	if weekHits != 1 {
		t.Errorf("Week 1.pdf committed %d times", weekHits)
	}
	// 3 pluginfile bodies: Week 1, Assignment, embedded slides.
	if got := fileHits.Load(); got != 3 {
		t.Errorf("pluginfile endpoint hit %d times, want 3", got)
	}
}

func TestFetchSkipsFilesAlreadyOnDisk(t *testing.T) {
	srv, _ := portal(t)
	defer srv.Close()
	w := testWorker(srv.URL)

	folder := t.TempDir()
	// Case variant of a file the portal offers.
	if err := os.WriteFile(filepath.Join(folder, "week 1.PDF"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	task := scraper.Task{
		Course:  domain.Course{ID: 1},
		Folder:  folder,
		PageURL: srv.URL + "/course/view.php?id=1",
	}
	res := w.Fetch(context.Background(), srv.Client(), task)
	if res.Duplicates == 0 {
		t.Error("existing file not counted as duplicate")
	}
	for _, f := range res.NewFiles {
		if filepath.Base(f) == "Week 1.pdf" {
			t.Error("existing file re-downloaded")
		}
	}
}

func TestFetchLandingPageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	w := testWorker(srv.URL)

	res := w.Fetch(context.Background(), srv.Client(), scraper.Task{
		Course:  domain.Course{ID: 1, Code: "COMP7103"},
		Folder:  t.TempDir(),
		PageURL: srv.URL + "/course/view.php?id=1",
	})
	if res.Scraped {
		t.Error("failed enumeration marked as scraped")
	}
	if len(res.Errors) == 0 {
		t.Error("expected landing page error")
	}
}

func TestFetchPublicMirrorPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/notes/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="lecture01.pdf">Lecture 1</a>
<a href="lecture02.pdf">Lecture 2</a>
<a href="style.css">Style</a>
</body></html>`)
	})
	mux.HandleFunc("/notes/lecture01.pdf", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("%PDF-1")) })
	mux.HandleFunc("/notes/lecture02.pdf", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("%PDF-2")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	w := testWorker(srv.URL)

	res := w.Fetch(context.Background(), srv.Client(), scraper.Task{
		Course:  domain.Course{ID: 2, Title: "COMP7607 Natural Language Processing"},
		Folder:  t.TempDir(),
		PageURL: srv.URL + "/notes/",
	})
	if !res.Scraped || len(res.NewFiles) != 2 {
		t.Fatalf("mirror scrape: scraped=%v files=%v errors=%v", res.Scraped, res.NewFiles, res.Errors)
	}
}

func TestListCourses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="/course/view.php?id=101">COMP7103 Data mining</a>
<a href="/course/view.php?id=102"><span>STAT8017 Data mining techniques</span></a>
<a href="/course/view.php?id=101">COMP7103 Data mining</a>
<a href="/calendar/view.php">Calendar</a>
</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	w := testWorker(srv.URL)

	links, err := w.ListCourses(context.Background(), srv.Client())
	if err != nil {
		t.Fatalf("ListCourses: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("got %d links %v, want 2", len(links), links)
	}
	if links[0].Title != "COMP7103 Data mining" {
		t.Errorf("title = %q", links[0].Title)
	}
	if links[1].Title != "STAT8017 Data mining techniques" {
		t.Errorf("nested span title = %q", links[1].Title)
	}
}
