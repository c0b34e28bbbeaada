package async

import (
	"database/sql"
	"time"
)

// jobColumns is the column list every job SELECT uses, in scan order
const jobColumns = `id, type, payload, client_id, status, attempts, max_attempts,
	result_ref, error, error_kind, next_run_at, locked_by, lease_until,
	cancel_requested, created_at, updated_at, started_at, completed_at`

// jobScanArgs holds the nullable columns while a row is scanned
type jobScanArgs struct {
	Payload     string
	ClientID    sql.NullString
	ResultRef   sql.NullString
	Error       sql.NullString
	ErrorKind   sql.NullString
	LockedBy    sql.NullString
	LeaseUntil  sql.NullTime
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	err := row.Scan(
		&job.ID, &job.Type, &args.Payload, &args.ClientID, &job.Status,
		&job.Attempts, &job.MaxAttempts,
		&args.ResultRef, &args.Error, &args.ErrorKind,
		&job.NextRunAt, &args.LockedBy, &args.LeaseUntil,
		&job.CancelRequested, &job.CreatedAt, &job.UpdatedAt,
		&args.StartedAt, &args.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = []byte(args.Payload)
	job.ClientID = args.ClientID.String
	job.ResultRef = args.ResultRef.String
	job.Error = args.Error.String
	job.ErrorKind = ErrorKind(args.ErrorKind.String)
	job.LockedBy = args.LockedBy.String
	job.LeaseUntil = nullTime(args.LeaseUntil)
	job.StartedAt = nullTime(args.StartedAt)
	job.CompletedAt = nullTime(args.CompletedAt)
	return &job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
