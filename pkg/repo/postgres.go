// Package repo is the Postgres-backed metadata store: users, courses,
// enrollments, and the per-source freshness timestamps the update engine
// partitions on.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursekb/coursekb/engine/domain"
)

// querier is the minimal interface needed from a pgx pool or transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed metadata store for users, courses,
// enrollments, and per-source freshness timestamps.
type Store struct {
	db   querier
	pool *pgxpool.Pool // nil when constructed around a bare querier in tests
}

// NewStore connects a pgx pool to the given DSN.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", domain.ErrStorage, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrStorage, err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewStoreWith wraps an existing querier. Used by tests.
func NewStoreWith(db querier) *Store { return &Store{db: db} }

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema when absent.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id    BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS courses (
	id                  BIGSERIAL PRIMARY KEY,
	title               TEXT NOT NULL UNIQUE,
	code                TEXT NOT NULL DEFAULT '',
	moodle_updated_at   TIMESTAMPTZ,
	exambase_updated_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS enrollments (
	user_id   BIGINT NOT NULL REFERENCES users(id),
	course_id BIGINT NOT NULL REFERENCES courses(id),
	PRIMARY KEY (user_id, course_id)
);`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrStorage, err)
	}
	return nil
}

// UserByID loads one user.
func (s *Store) UserByID(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx, `SELECT id, email FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Email)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: user %d: %v", domain.ErrStorage, id, err)
	}
	return u, nil
}

// CoursesForUser returns the user's enrolled courses with their freshness
// timestamps. Order is unspecified.
func (s *Store) CoursesForUser(ctx context.Context, userID int64) ([]domain.Course, error) {
	rows, err := s.db.Query(ctx, `
SELECT c.id, c.title, c.code, c.moodle_updated_at, c.exambase_updated_at
FROM courses c
JOIN enrollments e ON e.course_id = c.id
WHERE e.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: enrollments for user %d: %v", domain.ErrStorage, userID, err)
	}
	defer rows.Close()

	var courses []domain.Course
	for rows.Next() {
		var c domain.Course
		if err := rows.Scan(&c.ID, &c.Title, &c.Code, &c.MoodleUpdatedAt, &c.ExambaseUpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan course: %v", domain.ErrStorage, err)
		}
		courses = append(courses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate courses: %v", domain.ErrStorage, err)
	}
	return courses, nil
}

// UpsertCourse inserts a course by title or returns the existing row. The
// external code is derived from the title prefix.
func (s *Store) UpsertCourse(ctx context.Context, title string) (domain.Course, error) {
	code, _ := domain.CodeFromTitle(title)
	var c domain.Course
	err := s.db.QueryRow(ctx, `
INSERT INTO courses (title, code) VALUES ($1, $2)
ON CONFLICT (title) DO UPDATE SET code = EXCLUDED.code
RETURNING id, title, code, moodle_updated_at, exambase_updated_at`, title, code).
		Scan(&c.ID, &c.Title, &c.Code, &c.MoodleUpdatedAt, &c.ExambaseUpdatedAt)
	if err != nil {
		return domain.Course{}, fmt.Errorf("%w: upsert course %q: %v", domain.ErrStorage, title, err)
	}
	return c, nil
}

// Enroll records an enrollment; repeated calls are no-ops.
func (s *Store) Enroll(ctx context.Context, userID, courseID int64) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO enrollments (user_id, course_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, userID, courseID)
	if err != nil {
		return fmt.Errorf("%w: enroll (%d,%d): %v", domain.ErrStorage, userID, courseID, err)
	}
	return nil
}

// AdvanceFreshness moves the source's timestamp forward to ts. The guard in
// the statement keeps the column monotonic: an older ts never overwrites a
// newer one.
func (s *Store) AdvanceFreshness(ctx context.Context, courseID int64, src domain.Source, ts time.Time) error {
	stmt := freshnessUpdate(src)
	if _, err := s.db.Exec(ctx, stmt, courseID, ts); err != nil {
		return fmt.Errorf("%w: advance %s freshness for course %d: %v", domain.ErrStorage, src, courseID, err)
	}
	return nil
}

func freshnessUpdate(src domain.Source) string {
	if src == domain.SourceExambase {
		return `UPDATE courses SET exambase_updated_at = $2
WHERE id = $1 AND (exambase_updated_at IS NULL OR exambase_updated_at < $2)`
	}
	return `UPDATE courses SET moodle_updated_at = $2
WHERE id = $1 AND (moodle_updated_at IS NULL OR moodle_updated_at < $2)`
}
