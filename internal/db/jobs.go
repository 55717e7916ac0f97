package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/printd/internal/models"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		j                                    models.Job
		started                              int64
		received, processed, printed, failed sql.NullInt64
		destination, errMsg                  sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.UserID, &j.QueueName, &j.File, &started,
		&received, &processed, &printed, &failed,
		&j.Pages, &j.ColorPages, &destination, &errMsg, &j.ErrorKind,
	); err != nil {
		return nil, err
	}
	j.Started = time.UnixMilli(started)
	j.Received = fromMillis(received)
	j.Processed = fromMillis(processed)
	j.Printed = fromMillis(printed)
	j.Failed = fromMillis(failed)
	j.Destination = fromNullString(destination)
	j.Error = fromNullString(errMsg)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateJob inserts a new job and records its initial status.
func (s *Store) CreateJob(ctx context.Context, j *models.Job) error {
	if j.Started.IsZero() {
		j.Started = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, InsertJob,
		j.ID, j.UserID, j.QueueName, j.File, j.Started.UnixMilli(),
		millis(j.Received), millis(j.Processed), millis(j.Printed), millis(j.Failed),
		j.Pages, j.ColorPages, nullString(j.Destination), nullString(j.Error), j.ErrorKind,
	); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.appendHistory(ctx, tx, j); err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob returns nil without error when the job does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// UpdateJob applies fn to the current job state inside a transaction. If fn
// returns an error nothing is written and the error is returned unchanged.
// A history row is appended when the derived status changes.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, GetJobByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	before := j.Status()
	if err := fn(j); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, UpdateJob,
		j.UserID, j.QueueName, j.File, j.Started.UnixMilli(),
		millis(j.Received), millis(j.Processed), millis(j.Printed), millis(j.Failed),
		j.Pages, j.ColorPages, nullString(j.Destination), nullString(j.Error), j.ErrorKind,
		id,
	); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if j.Status() != before {
		if err := s.appendHistory(ctx, tx, j); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return j, nil
}

func (s *Store) appendHistory(ctx context.Context, tx *sql.Tx, j *models.Job) error {
	msg := ""
	if j.Error != nil {
		msg = *j.Error
	}
	if _, err := tx.ExecContext(ctx, InsertJobHistory, j.ID, string(j.Status()), msg, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record job history: %w", err)
	}
	return nil
}

// QueryStaleJobs lists non-terminal jobs started before olderThan.
func (s *Store) QueryStaleJobs(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, ListStaleJobs, olderThan.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, ListJobsByUser, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) History(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, ListJobHistory, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var (
			e  models.JobEvent
			at int64
		)
		if err := rows.Scan(&e.JobID, &e.Status, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan job history: %w", err)
		}
		e.At = time.UnixMilli(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountInFlightByDestination counts assigned jobs that have not finished,
// keyed by destination id.
func (s *Store) CountInFlightByDestination(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, CountInFlightByDestination)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan in-flight count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
