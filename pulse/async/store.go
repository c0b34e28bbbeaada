package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/scribe/errors"
)

// Store handles persistence of jobs. Every state transition is a single
// guarded UPDATE so concurrent workers and operators cannot interleave.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new PENDING job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, type, payload, client_id, status, attempts, max_attempts,
			next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Payload), nullString(job.ClientID),
		string(job.Status), job.Attempts, job.MaxAttempts,
		job.NextRunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ClaimNext atomically moves the oldest runnable PENDING job to PROCESSING,
// increments its attempt count and leases it to workerID. It returns nil
// when nothing is runnable.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim")
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'PROCESSING',
		    attempts = attempts + 1,
		    locked_by = ?,
		    lease_until = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'PENDING' AND next_run_at <= ? AND cancel_requested = 0
			ORDER BY next_run_at, created_at, id
			LIMIT 1
		) AND status = 'PENDING'
		RETURNING id`,
		workerID, now.Add(lease), now, now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read claimed job %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit claim of %s", id)
	}
	return job, nil
}

// Complete moves a job this worker holds to COMPLETED
func (s *Store) Complete(ctx context.Context, id, workerID, resultRef string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'COMPLETED', result_ref = ?, error = NULL, error_kind = NULL,
		    locked_by = NULL, lease_until = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`,
		nullString(resultRef), now, now, id, workerID)
	return s.expectOne(ctx, res, err, id, "complete")
}

// Retry returns a job this worker holds to PENDING, runnable at nextRunAt
func (s *Store) Retry(ctx context.Context, id, workerID, msg string, kind ErrorKind, nextRunAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'PENDING', error = ?, error_kind = ?, next_run_at = ?,
		    locked_by = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`,
		msg, string(kind), nextRunAt, now, id, workerID)
	return s.expectOne(ctx, res, err, id, "retry")
}

// MarkFailed moves a job this worker holds to terminal FAILED
func (s *Store) MarkFailed(ctx context.Context, id, workerID, msg string, kind ErrorKind, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'FAILED', error = ?, error_kind = ?,
		    locked_by = NULL, lease_until = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`,
		msg, string(kind), now, now, id, workerID)
	return s.expectOne(ctx, res, err, id, "fail")
}

// Requeue hands a job back without consuming an attempt. Used when the
// worker pool shuts down mid-job.
func (s *Store) Requeue(ctx context.Context, id, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'PENDING', attempts = MAX(attempts - 1, 0), next_run_at = ?,
		    locked_by = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`,
		now, now, id, workerID)
	return s.expectOne(ctx, res, err, id, "requeue")
}

// Heartbeat extends the lease of a job this worker holds. ErrConflict means
// the worker lost the job (cancelled or recovered elsewhere).
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, leaseUntil, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`,
		leaseUntil, now, id, workerID)
	return s.expectOne(ctx, res, err, id, "heartbeat")
}

// Cancel moves a PENDING or PROCESSING job to FAILED with kind cancelled
func (s *Store) Cancel(ctx context.Context, id, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'FAILED', error = ?, error_kind = 'cancelled', cancel_requested = 1,
		    locked_by = NULL, lease_until = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		reason, now, now, id)
	return s.expectOne(ctx, res, err, id, "cancel")
}

// IsCancelled reports whether an operator cancelled the job
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read cancel flag for %s", id)
	}
	return cancelled, nil
}

// RecoverResult lists the jobs a stale-lease sweep touched
type RecoverResult struct {
	Requeued []string `json:"requeued"`
	Failed   []string `json:"failed"`
}

// RecoverStale returns PROCESSING jobs whose lease expired before now to
// PENDING. A job whose expired attempt was its last goes to FAILED instead.
func (s *Store) RecoverStale(ctx context.Context, now time.Time) (RecoverResult, error) {
	var result RecoverResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.Wrap(err, "failed to begin stale recovery")
	}
	defer tx.Rollback()

	result.Failed, err = collectIDs(tx.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'FAILED', error = 'lease expired on final attempt', error_kind = 'transient',
		    locked_by = NULL, lease_until = NULL, completed_at = ?, updated_at = ?
		WHERE status = 'PROCESSING' AND lease_until < ? AND attempts >= max_attempts
		RETURNING id`, now, now, now))
	if err != nil {
		return result, errors.Wrap(err, "failed to fail exhausted stale jobs")
	}

	result.Requeued, err = collectIDs(tx.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'PENDING', error = 'lease expired', error_kind = 'transient', next_run_at = ?,
		    locked_by = NULL, lease_until = NULL, updated_at = ?
		WHERE status = 'PROCESSING' AND lease_until < ?
		RETURNING id`, now, now, now))
	if err != nil {
		return result, errors.Wrap(err, "failed to requeue stale jobs")
	}

	if err := tx.Commit(); err != nil {
		return result, errors.Wrap(err, "failed to commit stale recovery")
	}
	return result, nil
}

func collectIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFilter narrows List; zero values match everything
type ListFilter struct {
	Status   JobStatus
	Type     JobType
	ClientID string
	Limit    int
}

// ListJobs returns jobs newest first
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > MaxJobsLimit {
		limit = MaxJobsLimit
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs deletes COMPLETED jobs finished before cutoff and returns
// their ids. FAILED jobs are kept: their checkpoints may still be resumed.
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM jobs WHERE status = 'COMPLETED' AND completed_at < ? RETURNING id`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to cleanup old jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan cleaned job id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to cleanup old jobs")
}

// expectOne turns a zero-row transition into ErrNotFound or ErrConflict
func (s *Store) expectOne(ctx context.Context, res sql.Result, err error, id, op string) error {
	if err != nil {
		err = errors.Wrapf(err, "failed to %s job", op)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to %s job %s", op, id)
	}
	if n == 1 {
		return nil
	}

	var status string
	var lockedBy sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT status, locked_by FROM jobs WHERE id = ?`, id).Scan(&status, &lockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read job %s", id)
	}
	conflict := errors.Newf("cannot %s job %s in status %s", op, id, status)
	if lockedBy.Valid {
		conflict = errors.WithDetail(conflict, fmt.Sprintf("Locked by: %s", lockedBy.String))
	}
	return errors.Mark(conflict, errors.ErrConflict)
}
