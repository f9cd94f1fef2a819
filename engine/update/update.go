// Package update orchestrates one knowledge-base refresh for one user:
// decide what is due, scrape both sources in parallel through a shared
// session broker, advance freshness for what succeeded, and push the new
// files through the ingestion pipeline.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/coursekb/coursekb/engine/broker"
	"github.com/coursekb/coursekb/engine/config"
	"github.com/coursekb/coursekb/engine/dispatch"
	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/freshness"
	"github.com/coursekb/coursekb/engine/ingest"
	"github.com/coursekb/coursekb/engine/scraper"
	"github.com/coursekb/coursekb/engine/scraper/exambase"
	"github.com/coursekb/coursekb/engine/scraper/moodle"
	"github.com/coursekb/coursekb/pkg/fn"
	"github.com/coursekb/coursekb/pkg/metrics"
	"github.com/coursekb/coursekb/pkg/progress"
)

// Repo is the slice of the metadata store the orchestrator needs.
// Satisfied by *repo.Store.
type Repo interface {
	CoursesForUser(ctx context.Context, userID int64) ([]domain.Course, error)
	UpsertCourse(ctx context.Context, title string) (domain.Course, error)
	Enroll(ctx context.Context, userID, courseID int64) error
	AdvanceFreshness(ctx context.Context, courseID int64, src domain.Source, ts time.Time) error
}

// MoodleStats summarizes the portal half of a run.
type MoodleStats struct {
	Courses         int     `json:"courses"`
	FilesDownloaded int     `json:"files_downloaded"`
	Duplicates      int     `json:"duplicates"`
	TotalTime       float64 `json:"total_time"`
}

// ExamStats summarizes the exam-repository half of a run.
type ExamStats struct {
	Courses          int     `json:"courses"`
	CoursesWithExams int     `json:"courses_with_exams"`
	ExamsDownloaded  int     `json:"exams_downloaded"`
	Duplicates       int     `json:"duplicates"`
	TotalTime        float64 `json:"total_time"`
}

// IngestStats summarizes the indexing tail of a run.
type IngestStats struct {
	FilesProcessed int      `json:"files_processed"`
	FilesSkipped   int      `json:"files_skipped"`
	VectorsAdded   int      `json:"vectors_added"`
	Errors         []string `json:"errors,omitempty"`
}

// Stats is the run's result envelope. Times are in seconds.
type Stats struct {
	Success   bool        `json:"success"`
	Moodle    MoodleStats `json:"moodle"`
	Exambase  ExamStats   `json:"exambase"`
	Ingest    IngestStats `json:"ingest"`
	TotalTime float64     `json:"total_time"`
}

// Engine wires the run's collaborators. Construct once; Update may be
// called for different users, each call mints its own broker.
type Engine struct {
	Repo     Repo
	Driver   broker.Driver
	Moodle   *moodle.Worker
	Exam     *exambase.Worker
	Ingest   ingest.Deps
	Config   config.Config
	Progress *progress.Stream
	Metrics  *metrics.Registry
	Log      *slog.Logger

	// LoginRetry overrides the broker's default login backoff when set.
	LoginRetry *fn.RetryOpts
}

// Update runs one refresh for the user. Credentials live only for the
// duration of the call; the broker wipes its copy before returning.
func (e *Engine) Update(ctx context.Context, userID int64, creds domain.Credentials) (Stats, error) {
	start := time.Now()
	log := e.logger().With("user", userID)
	prog := e.progressStream()

	if err := domain.ValidateCredentials(creds); err != nil {
		return Stats{}, err
	}

	sessions := broker.New(e.Driver, creds, e.Config.PageTimeout, log)
	if e.LoginRetry != nil {
		sessions.WithRetry(*e.LoginRetry)
	}
	defer sessions.Close()

	courses, err := e.Repo.CoursesForUser(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	// First run for this user: enumerate the dashboard to seed enrollments.
	var links map[string]string
	if len(courses) == 0 {
		prog.Info(ctx, "bootstrap", "no enrollments recorded, reading course list from portal")
		courses, links, err = e.bootstrap(ctx, sessions, userID)
		if err != nil {
			return Stats{}, err
		}
	}

	now := time.Now()
	due := freshness.Partition(courses, now, freshness.Policy{
		MoodleThreshold:   e.Config.MoodleThreshold,
		ExambaseThreshold: e.Config.ExambaseThreshold,
	})
	log.Info("freshness partition",
		"courses", len(courses), "moodle_due", len(due.Moodle), "exambase_due", len(due.Exambase))
	if due.Empty() {
		prog.Info(ctx, "freshness", "all %d courses are fresh, nothing to do", len(courses))
		return Stats{Success: true, TotalTime: time.Since(start).Seconds()}, nil
	}
	prog.Info(ctx, "freshness", "%d courses due on moodle, %d on exambase", len(due.Moodle), len(due.Exambase))

	// Course folders double as the file-to-course attribution map for ingest.
	folders := make(map[string]int64)
	folderFor := func(c domain.Course) (string, error) {
		f, err := scraper.CourseFolder(e.Config.RootDir, c.Title)
		if err == nil {
			folders[f] = c.ID
		}
		return f, err
	}

	moodleTasks, err := e.moodleTasks(ctx, sessions, due.Moodle, links, folderFor, prog)
	if err != nil {
		return Stats{}, err
	}
	examTasks, err := e.examTasks(ctx, due.Exambase, folderFor, prog)
	if err != nil {
		return Stats{}, err
	}

	var (
		wg        sync.WaitGroup
		moodleOut dispatch.Outcome[scraper.Result]
		examOut   dispatch.Outcome[exambase.CodeResult]
		moodleDur time.Duration
		examDur   time.Duration
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		t := time.Now()
		moodleOut = dispatch.Run(ctx, sessions, domain.SourceMoodle, moodleTasks,
			e.Config.ParallelWorkers, e.Moodle.Fetch, log)
		moodleDur = time.Since(t)
	}()
	go func() {
		defer wg.Done()
		t := time.Now()
		examOut = dispatch.Run(ctx, sessions, domain.SourceExambase, examTasks,
			e.Config.ParallelWorkers, e.Exam.Fetch, log)
		examDur = time.Since(t)
	}()
	wg.Wait()

	stats := Stats{Success: moodleOut.Fatal == nil && examOut.Fatal == nil}
	var files []ingest.File

	stats.Moodle = e.settleMoodle(ctx, moodleOut, now, folders, &files, prog)
	stats.Moodle.TotalTime = moodleDur.Seconds()
	stats.Exambase = e.settleExam(ctx, examOut, now, folders, &files, prog)
	stats.Exambase.TotalTime = examDur.Seconds()
	e.observeDuration("moodle", moodleDur)
	e.observeDuration("exambase", examDur)

	if len(files) > 0 {
		prog.Info(ctx, "ingest", "indexing %d new files", len(files))
		in := ingest.Run(ctx, e.Ingest, files)
		stats.Ingest = IngestStats{
			FilesProcessed: in.FilesProcessed,
			FilesSkipped:   in.FilesSkipped,
			VectorsAdded:   in.VectorsAdded,
			Errors:         in.Errors,
		}
		e.count("coursekb_vectors_added_total", "Vectors upserted into the semantic store.", int64(in.VectorsAdded))
		e.count("coursekb_ingest_errors_total", "Files that failed the ingestion pipeline.", int64(len(in.Errors)))
	}

	stats.TotalTime = time.Since(start).Seconds()
	prog.Emit(ctx, "done", progress.LevelInfo, 1,
		"update finished in %.1fs, %d new files", stats.TotalTime, len(files))
	return stats, nil
}

// bootstrap enumerates the user's dashboard and records every course as an
// enrollment. Returns the fresh course list plus the title-to-URL map so
// the scrape phase does not have to enumerate again.
func (e *Engine) bootstrap(ctx context.Context, sessions *broker.Broker, userID int64) ([]domain.Course, map[string]string, error) {
	list, err := e.listDashboard(ctx, sessions)
	if err != nil {
		return nil, nil, err
	}
	links := make(map[string]string, len(list))
	courses := make([]domain.Course, 0, len(list))
	for _, l := range list {
		c, err := e.Repo.UpsertCourse(ctx, l.Title)
		if err != nil {
			return nil, nil, err
		}
		if err := e.Repo.Enroll(ctx, userID, c.ID); err != nil {
			return nil, nil, err
		}
		links[l.Title] = l.URL
		courses = append(courses, c)
	}
	e.logger().Info("bootstrap complete", "user", userID, "courses", len(courses))
	return courses, links, nil
}

// listDashboard reads the portal course list through a short-lived session.
func (e *Engine) listDashboard(ctx context.Context, sessions *broker.Broker) ([]moodle.CourseLink, error) {
	sess, err := sessions.Acquire(ctx, domain.SourceMoodle)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return e.Moodle.ListCourses(ctx, sess.Client)
}

// moodleTasks builds one scrape task per due course. Courses matching an
// alternate-source rule go to their public mirror; the rest need a
// dashboard link, enumerated here when bootstrap did not already run.
func (e *Engine) moodleTasks(
	ctx context.Context,
	sessions *broker.Broker,
	due []domain.Course,
	links map[string]string,
	folderFor func(domain.Course) (string, error),
	prog *progress.Stream,
) ([]scraper.Task, error) {
	if len(due) == 0 {
		return nil, nil
	}
	needPortal := false
	for _, c := range due {
		if _, ok := e.Config.AltSourceFor(c.Title); !ok {
			needPortal = true
			break
		}
	}
	if needPortal && links == nil {
		list, err := e.listDashboard(ctx, sessions)
		if err != nil {
			return nil, fmt.Errorf("course list: %w", err)
		}
		links = make(map[string]string, len(list))
		for _, l := range list {
			links[l.Title] = l.URL
		}
	}

	tasks := make([]scraper.Task, 0, len(due))
	for _, c := range due {
		folder, err := folderFor(c)
		if err != nil {
			return nil, err
		}
		pageURL, ok := e.Config.AltSourceFor(c.Title)
		if !ok {
			href, found := links[c.Title]
			if !found {
				prog.Warn(ctx, "moodle", "course %q not on the dashboard, skipping", c.Title)
				continue
			}
			pageURL = e.Moodle.CoursePageURL(href)
		}
		tasks = append(tasks, scraper.Task{Course: c, Folder: folder, PageURL: pageURL})
	}
	return tasks, nil
}

// examTasks groups the due courses by external code. One repository search
// serves every internal course sharing the code.
func (e *Engine) examTasks(
	ctx context.Context,
	due []domain.Course,
	folderFor func(domain.Course) (string, error),
	prog *progress.Stream,
) ([]exambase.CodeTask, error) {
	byCode := make(map[string]*exambase.CodeTask)
	var order []string
	for _, c := range due {
		code := c.Code
		if code == "" {
			var ok bool
			if code, ok = domain.CodeFromTitle(c.Title); !ok {
				prog.Warn(ctx, "exambase", "course %q has no code, skipping", c.Title)
				continue
			}
		}
		folder, err := folderFor(c)
		if err != nil {
			return nil, err
		}
		t, ok := byCode[code]
		if !ok {
			t = &exambase.CodeTask{Code: code}
			byCode[code] = t
			order = append(order, code)
		}
		t.Courses = append(t.Courses, c)
		t.Folders = append(t.Folders, folder)
	}
	tasks := make([]exambase.CodeTask, 0, len(order))
	for _, code := range order {
		tasks = append(tasks, *byCode[code])
	}
	return tasks, nil
}

// settleMoodle folds the portal outcome into stats, advances freshness for
// scraped courses, and queues the new files for ingestion. Freshness is
// left untouched for the whole source when its pool died.
func (e *Engine) settleMoodle(
	ctx context.Context,
	out dispatch.Outcome[scraper.Result],
	now time.Time,
	folders map[string]int64,
	files *[]ingest.File,
	prog *progress.Stream,
) MoodleStats {
	log := e.logger()
	if out.Fatal != nil {
		log.Error("moodle pool failed", "error", out.Fatal)
		prog.Error(ctx, "moodle", "source failed: %v", out.Fatal)
	}
	var st MoodleStats
	for _, r := range out.Results {
		st.Courses++
		st.FilesDownloaded += len(r.NewFiles)
		st.Duplicates += r.Duplicates
		for _, err := range r.Errors {
			log.Warn("moodle file error", "course", r.Course.Title, "error", err)
		}
		queueFiles(r.NewFiles, folders, files)
		// A scraped course is complete even when the pool later died on
		// another worker, so its timestamp still advances.
		if r.Scraped {
			if err := e.Repo.AdvanceFreshness(ctx, r.Course.ID, domain.SourceMoodle, now); err != nil {
				log.Error("freshness update failed", "course", r.Course.ID, "error", err)
			}
		}
	}
	e.count("coursekb_files_downloaded_total", "Files committed by scrape workers.", int64(st.FilesDownloaded))
	e.count("coursekb_duplicates_skipped_total", "Files skipped as already present.", int64(st.Duplicates))
	prog.Info(ctx, "moodle", "%d courses scraped, %d new files, %d duplicates",
		st.Courses, st.FilesDownloaded, st.Duplicates)
	return st
}

// settleExam folds the exam-repository outcome into stats. One code result
// covers several courses; each gets its own freshness advance.
func (e *Engine) settleExam(
	ctx context.Context,
	out dispatch.Outcome[exambase.CodeResult],
	now time.Time,
	folders map[string]int64,
	files *[]ingest.File,
	prog *progress.Stream,
) ExamStats {
	log := e.logger()
	if out.Fatal != nil {
		log.Error("exambase pool failed", "error", out.Fatal)
		prog.Error(ctx, "exambase", "source failed: %v", out.Fatal)
	}
	var st ExamStats
	for _, r := range out.Results {
		st.Courses += len(r.Courses)
		if r.ExamsFound > 0 {
			st.CoursesWithExams += len(r.Courses)
		}
		st.ExamsDownloaded += len(r.NewFiles)
		st.Duplicates += r.Duplicates
		for _, err := range r.Errors {
			log.Warn("exam file error", "code", r.Code, "error", err)
		}
		queueFiles(r.NewFiles, folders, files)
		if r.Scraped {
			for _, c := range r.Courses {
				if err := e.Repo.AdvanceFreshness(ctx, c.ID, domain.SourceExambase, now); err != nil {
					log.Error("freshness update failed", "course", c.ID, "error", err)
				}
			}
		}
	}
	e.count("coursekb_exams_downloaded_total", "Exam papers committed by scrape workers.", int64(st.ExamsDownloaded))
	e.count("coursekb_duplicates_skipped_total", "Files skipped as already present.", int64(st.Duplicates))
	prog.Info(ctx, "exambase", "%d courses covered, %d papers downloaded, %d duplicates",
		st.Courses, st.ExamsDownloaded, st.Duplicates)
	return st
}

// queueFiles attributes each new file to its course through the folder map.
func queueFiles(paths []string, folders map[string]int64, files *[]ingest.File) {
	for _, p := range paths {
		if id, ok := folders[filepath.Dir(p)]; ok {
			*files = append(*files, ingest.File{CourseID: id, Path: p})
		}
	}
}

func (e *Engine) count(name, help string, n int64) {
	if e.Metrics == nil || n == 0 {
		return
	}
	e.Metrics.Counter(name, help).Add(n)
}

func (e *Engine) observeDuration(source string, d time.Duration) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.Histogram(
		metrics.WithLabels("coursekb_scrape_duration_seconds", "source", source),
		"Wall time of one source's scrape phase.", nil,
	).Observe(d.Seconds())
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) progressStream() *progress.Stream {
	if e.Progress != nil {
		return e.Progress
	}
	return progress.New(e.logger())
}
