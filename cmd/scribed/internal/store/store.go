// Package store persists job state to SQLite so interrupted work survives
// daemon restarts. Segment plans and outcomes are stored as JSON blobs next
// to the job row; the schema stays flat because nothing ever queries inside
// them.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// Store is a SQLite-backed pipeline.Store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	source_path      TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL,
	duration_seconds REAL NOT NULL,
	priority         INTEGER NOT NULL,
	state            TEXT NOT NULL,
	attempt          INTEGER NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	first_seen       INTEGER NOT NULL,
	next_eligible    INTEGER NOT NULL DEFAULT 0,
	segments         TEXT NOT NULL DEFAULT '[]',
	updated_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segment_results (
	job_id        TEXT NOT NULL,
	segment_index INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (job_id, segment_index)
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// Open creates or opens the database at path with WAL journaling and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps WAL happy and sidesteps SQLITE_BUSY under the
	// pure-Go driver.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveJob upserts the job row. Segment outcomes live in their own table and
// are not touched here.
func (s *Store) SaveJob(job *pipeline.MediaJob) error {
	segments, err := json.Marshal(job.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, source_path, size_bytes, duration_seconds, priority,
			state, attempt, last_error, first_seen, next_eligible, segments, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_path      = excluded.source_path,
			size_bytes       = excluded.size_bytes,
			duration_seconds = excluded.duration_seconds,
			priority         = excluded.priority,
			state            = excluded.state,
			attempt          = excluded.attempt,
			last_error       = excluded.last_error,
			next_eligible    = excluded.next_eligible,
			segments         = excluded.segments,
			updated_at       = excluded.updated_at
	`,
		job.ID, job.SourcePath, job.SizeBytes, job.DurationSeconds, job.Priority,
		string(job.State), job.Attempt, job.LastError,
		job.FirstSeen.UnixMilli(), job.NextEligible.UnixMilli(),
		string(segments), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// SaveSegmentOutcome upserts one segment's terminal outcome. Called the
// moment a segment finishes so a crash never loses completed work.
func (s *Store) SaveSegmentOutcome(jobID string, outcome pipeline.SegmentOutcome) error {
	index := -1
	if outcome.Result != nil {
		index = outcome.Result.SegmentIndex
	} else if outcome.Failure != nil {
		index = outcome.Failure.SegmentIndex
	}
	if index < 0 {
		return fmt.Errorf("outcome for job %s carries neither result nor failure", jobID)
	}
	blob, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO segment_results (job_id, segment_index, outcome, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, segment_index) DO UPDATE SET
			outcome    = excluded.outcome,
			updated_at = excluded.updated_at
	`, jobID, index, string(blob), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert segment %d of job %s: %w", index, jobID, err)
	}
	return nil
}

// LoadJob reads one job including its segment outcomes.
func (s *Store) LoadJob(jobID string) (*pipeline.MediaJob, error) {
	row := s.db.QueryRow(`
		SELECT id, source_path, size_bytes, duration_seconds, priority,
			state, attempt, last_error, first_seen, next_eligible, segments
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadOutcomes(job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListNonTerminal returns every job that has not completed or permanently
// failed, with outcomes attached, ordered by first-seen.
func (s *Store) ListNonTerminal() ([]*pipeline.MediaJob, error) {
	rows, err := s.db.Query(`
		SELECT id, source_path, size_bytes, duration_seconds, priority,
			state, attempt, last_error, first_seen, next_eligible, segments
		FROM jobs
		WHERE state NOT IN (?, ?)
		ORDER BY first_seen ASC
	`, string(pipeline.StateCompleted), string(pipeline.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("query non-terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*pipeline.MediaJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := s.loadOutcomes(job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// DeleteJob removes a job and its segment outcomes, e.g. after archival
// retention expires.
func (s *Store) DeleteJob(jobID string) error {
	if _, err := s.db.Exec(`DELETE FROM segment_results WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete segment results for %s: %w", jobID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pipeline.MediaJob, error) {
	var job pipeline.MediaJob
	var state, segments string
	var firstSeen, nextEligible int64
	err := row.Scan(&job.ID, &job.SourcePath, &job.SizeBytes, &job.DurationSeconds,
		&job.Priority, &state, &job.Attempt, &job.LastError,
		&firstSeen, &nextEligible, &segments)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.State = pipeline.JobState(state)
	job.FirstSeen = time.UnixMilli(firstSeen)
	job.NextEligible = time.UnixMilli(nextEligible)
	if err := json.Unmarshal([]byte(segments), &job.Segments); err != nil {
		return nil, fmt.Errorf("unmarshal segments for %s: %w", job.ID, err)
	}
	return &job, nil
}

func (s *Store) loadOutcomes(job *pipeline.MediaJob) error {
	rows, err := s.db.Query(`
		SELECT segment_index, outcome FROM segment_results WHERE job_id = ?
	`, job.ID)
	if err != nil {
		return fmt.Errorf("query outcomes for %s: %w", job.ID, err)
	}
	defer rows.Close()

	job.SegmentResults = make(map[int]pipeline.SegmentOutcome)
	for rows.Next() {
		var index int
		var blob string
		if err := rows.Scan(&index, &blob); err != nil {
			return fmt.Errorf("scan outcome: %w", err)
		}
		var outcome pipeline.SegmentOutcome
		if err := json.Unmarshal([]byte(blob), &outcome); err != nil {
			return fmt.Errorf("unmarshal outcome %d of %s: %w", index, job.ID, err)
		}
		job.SegmentResults[index] = outcome
	}
	return rows.Err()
}
