// Package domain defines the core entities of the knowledge-base
// synchronizer: courses, users, enrollments, downloaded artifacts, and the
// error kinds shared by the scrape and ingestion layers.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// Source identifies one of the two upstream material sources.
type Source string

const (
	// SourceMoodle is the learning-management portal.
	SourceMoodle Source = "moodle"
	// SourceExambase is the past-papers repository.
	SourceExambase Source = "exambase"
)

// Course is an enrolled course tracked by the metadata store. ID is the
// internal join key; Code is the external course code extracted from the
// title prefix (e.g. "COMP7103" from "COMP7103 Data mining [Section 1C, 2025]").
type Course struct {
	ID    int64
	Title string
	Code  string

	// Last successful scrape per source; nil until the first scrape.
	MoodleUpdatedAt   *time.Time
	ExambaseUpdatedAt *time.Time
}

// UpdatedAt returns the freshness timestamp for the given source.
func (c Course) UpdatedAt(src Source) *time.Time {
	if src == SourceExambase {
		return c.ExambaseUpdatedAt
	}
	return c.MoodleUpdatedAt
}

// codeRegex matches the alphanumeric course-code prefix of a course title.
var codeRegex = regexp.MustCompile(`^([A-Z]+\d+)`)

// CodeFromTitle extracts the external course code from a course title.
// Returns false when the title has no recognizable code prefix.
func CodeFromTitle(title string) (string, bool) {
	m := codeRegex.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// User is an account in the metadata store.
type User struct {
	ID    int64
	Email string
}

// Enrollment links a user to a course. The enrollment set is the source of
// truth for which courses an update run considers.
type Enrollment struct {
	UserID   int64
	CourseID int64
}

// Credentials are the upstream login credentials supplied for a single
// update run. They are never persisted and never logged.
type Credentials struct {
	Email    string
	Password string
}

// Username derives the portal UID from the email (the part before '@').
func (c Credentials) Username() string {
	if i := strings.IndexByte(c.Email, '@'); i >= 0 {
		return c.Email[:i]
	}
	return c.Email
}

// Zero overwrites the credential fields. Called when the owning session
// reaches its terminal state.
func (c *Credentials) Zero() {
	c.Email = ""
	c.Password = ""
}

// Artifact is a file committed to the course folder by a scrape worker.
type Artifact struct {
	Source   Source
	CourseID int64
	Path     string // absolute path under <root>/<course folder>/
	Name     string // canonical filename within the folder
	Size     int64
}
