// Package scraper holds the pieces shared by the per-source scrape workers:
// task and result envelopes, course folder layout, duplicate tracking, and
// the streaming file download used by both workers.
package scraper

import (
	"context"
	"net/http"

	"github.com/coursekb/coursekb/engine/domain"
)

// Task is one unit of work for a dispatcher: scrape one course from one
// source into its folder.
type Task struct {
	Course domain.Course
	Folder string // absolute course folder path

	// PageURL is the landing page the portal worker enumerates. Courses
	// routed to a public mirror carry the mirror root here instead. The
	// exam worker ignores it and searches by course code.
	PageURL string
}

// Result is what a worker reports back for one task.
type Result struct {
	Course     domain.Course
	NewFiles   []string // absolute paths of files committed this run
	Duplicates int
	Errors     []error

	// Scraped is true when the enumeration completed without a fatal
	// session error; freshness is advanced only for scraped courses.
	Scraped bool
}

// Worker scrapes one course through an authenticated client. The client
// carries the session's cookie jar; workers never share clients.
type Worker interface {
	Source() domain.Source
	Fetch(ctx context.Context, client *http.Client, task Task) Result
}
