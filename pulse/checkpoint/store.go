package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
)

// Store persists checkpoints in SQLite.
type Store struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewStore creates a checkpoint store.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{db: db, logger: log.Named("checkpoint"), timeNow: time.Now}
}

// Load returns the persisted progress for jobID, or nil when the job never
// completed a section. Sections must form 0..n-1 without gaps.
func (s *Store) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	cp := &Checkpoint{JobID: jobID}
	var clientID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_kind, entity_id, client_id, created_at, updated_at
		FROM checkpoints WHERE job_id = ?`, jobID).
		Scan(&cp.EntityKind, &cp.EntityID, &clientID, &cp.CreatedAt, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to load checkpoint")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	cp.ClientID = clientID.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_index, section_id, content, content_hash, generated_by, created_at
		FROM checkpoint_sections WHERE job_id = ? ORDER BY order_index`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load sections for %s", jobID)
	}
	defer rows.Close()

	for rows.Next() {
		var sec SectionResult
		var hash string
		if err := rows.Scan(&sec.OrderIndex, &sec.SectionID, &sec.Content, &hash, &sec.GeneratedBy, &sec.CreatedAt); err != nil {
			return nil, errors.Wrapf(err, "failed to scan section for %s", jobID)
		}
		sec.EntityID = cp.EntityID
		if sec.OrderIndex != len(cp.Sections) {
			return nil, errors.WithDetail(
				errors.NewIntegrityError("checkpoint for job %s has a gap: expected index %d, found %d",
					jobID, len(cp.Sections), sec.OrderIndex),
				fmt.Sprintf("Job ID: %s", jobID))
		}
		if sec.Hash() != hash {
			return nil, errors.NewIntegrityError("checkpoint for job %s: section %d content does not match its hash",
				jobID, sec.OrderIndex)
		}
		cp.Sections = append(cp.Sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read sections for %s", jobID)
	}

	cp.NextSectionIndex = len(cp.Sections)
	return cp, nil
}

// Append records a completed section. Repeating a write with identical
// content is a no-op. Writing different content at an existing index, or an
// index past the next expected one, returns an integrity error and leaves
// the checkpoint untouched.
func (s *Store) Append(ctx context.Context, jobID string, header Header, sec SectionResult) error {
	if !header.EntityKind.Valid() {
		return errors.NewValidationError("unknown entity kind %q", header.EntityKind)
	}
	if sec.OrderIndex < 0 {
		return errors.NewIntegrityError("negative section index %d for job %s", sec.OrderIndex, jobID)
	}

	now := s.timeNow().UTC()
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin checkpoint append")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO checkpoints (job_id, entity_kind, entity_id, client_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, string(header.EntityKind), header.EntityID, nullString(header.ClientID), now, now); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint for %s", jobID)
	}

	var kind, entityID string
	if err := tx.QueryRowContext(ctx, `SELECT entity_kind, entity_id FROM checkpoints WHERE job_id = ?`, jobID).
		Scan(&kind, &entityID); err != nil {
		return errors.Wrapf(err, "failed to read checkpoint header for %s", jobID)
	}
	if EntityKind(kind) != header.EntityKind || entityID != header.EntityID {
		return errors.NewIntegrityError("checkpoint for job %s belongs to %s/%s, not %s/%s",
			jobID, kind, entityID, header.EntityKind, header.EntityID)
	}

	var existingHash string
	err = tx.QueryRowContext(ctx, `SELECT content_hash FROM checkpoint_sections WHERE job_id = ? AND order_index = ?`,
		jobID, sec.OrderIndex).Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash == sec.Hash() {
			s.logger.Debugw("Checkpoint section already recorded",
				logger.FieldJobID, jobID, logger.FieldOrderIndex, sec.OrderIndex)
			return nil
		}
		return errors.NewIntegrityError("checkpoint for job %s already holds different content at index %d",
			jobID, sec.OrderIndex)
	case !errors.Is(err, sql.ErrNoRows):
		return errors.Wrapf(err, "failed to read section %d for %s", sec.OrderIndex, jobID)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_sections WHERE job_id = ?`, jobID).Scan(&count); err != nil {
		return errors.Wrapf(err, "failed to count sections for %s", jobID)
	}
	if sec.OrderIndex != count {
		return errors.NewIntegrityError("checkpoint for job %s expects index %d, got %d", jobID, count, sec.OrderIndex)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_sections (job_id, order_index, section_id, content, content_hash, generated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, sec.OrderIndex, sec.SectionID, sec.Content, sec.Hash(), sec.GeneratedBy, sec.CreatedAt); err != nil {
		return errors.Wrapf(err, "failed to append section %d for %s", sec.OrderIndex, jobID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE checkpoints SET updated_at = ? WHERE job_id = ?`, now, jobID); err != nil {
		return errors.Wrapf(err, "failed to touch checkpoint for %s", jobID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit section %d for %s", sec.OrderIndex, jobID)
	}

	s.logger.Debugw("Checkpoint section appended",
		logger.FieldJobID, jobID,
		logger.FieldSection, sec.SectionID,
		logger.FieldOrderIndex, sec.OrderIndex)
	return nil
}

// Discard deletes the checkpoint for jobID. Discarding a missing checkpoint
// is not an error.
func (s *Store) Discard(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		err = errors.Wrap(err, "failed to discard checkpoint")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return nil
}

// DiscardIdle deletes the checkpoint for jobID unless its job is PROCESSING.
// The status check and the delete are one statement, so a worker claiming the
// job concurrently either sees the checkpoint or the delete is refused.
// Returns ErrNotFound without a checkpoint and ErrConflict while processing.
func (s *Store) DiscardIdle(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE job_id = ?
		AND NOT EXISTS (SELECT 1 FROM jobs WHERE id = ? AND status = 'PROCESSING')`, jobID, jobID)
	if err != nil {
		err = errors.Wrap(err, "failed to discard checkpoint")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to discard checkpoint for %s", jobID)
	}
	if n > 0 {
		return nil
	}

	exists, err := s.Exists(ctx, jobID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.NewNotFoundError("no checkpoint for job %s", jobID)
	}
	return errors.Mark(errors.Newf("job %s is processing; cancel it before discarding its checkpoint", jobID), errors.ErrConflict)
}

// Exists reports whether jobID has a checkpoint.
func (s *Store) Exists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM checkpoints WHERE job_id = ?)`, jobID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check checkpoint for %s", jobID)
	}
	return exists, nil
}

// ListResumable enumerates checkpoints, newest first, optionally filtered by
// client. The owning job's status and last error are included when the job
// row exists.
func (s *Store) ListResumable(ctx context.Context, clientID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.job_id, c.entity_kind, c.entity_id, c.client_id, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM checkpoint_sections s WHERE s.job_id = c.job_id),
			j.status, j.error
		FROM checkpoints c
		LEFT JOIN jobs j ON j.id = c.job_id
		WHERE (? = '' OR c.client_id = ?)
		ORDER BY c.updated_at DESC, c.job_id`, clientID, clientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var client, status, jobErr sql.NullString
		if err := rows.Scan(&sum.JobID, &sum.EntityKind, &sum.EntityID, &client, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.NextSectionIndex, &status, &jobErr); err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint summary")
		}
		sum.ClientID = client.String
		sum.JobStatus = status.String
		sum.JobError = jobErr.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
