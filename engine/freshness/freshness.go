// Package freshness decides which (course, source) pairs are due for a
// refresh in the current update run.
package freshness

import (
	"time"

	"github.com/coursekb/coursekb/engine/domain"
)

// Policy holds the per-source staleness thresholds.
type Policy struct {
	MoodleThreshold   time.Duration
	ExambaseThreshold time.Duration
}

// DueSet is the partition produced for one run.
type DueSet struct {
	Moodle   []domain.Course
	Exambase []domain.Course
}

// Empty reports whether no course is due from either source.
func (d DueSet) Empty() bool {
	return len(d.Moodle) == 0 && len(d.Exambase) == 0
}

// Partition selects the courses due per source at the given instant. A pair
// is due when its timestamp is nil or strictly older than the threshold; an
// age exactly equal to the threshold is not due. The caller captures now
// once so both halves of the partition see the same clock.
func Partition(courses []domain.Course, now time.Time, p Policy) DueSet {
	var due DueSet
	for _, c := range courses {
		if stale(c.MoodleUpdatedAt, now, p.MoodleThreshold) {
			due.Moodle = append(due.Moodle, c)
		}
		if stale(c.ExambaseUpdatedAt, now, p.ExambaseThreshold) {
			due.Exambase = append(due.Exambase, c)
		}
	}
	return due
}

func stale(ts *time.Time, now time.Time, threshold time.Duration) bool {
	if ts == nil {
		return true
	}
	return now.Sub(*ts) > threshold
}
