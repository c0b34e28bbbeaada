// Package async is the job queue and scheduler: durable jobs, an atomic
// claim, lease-based crash recovery, classified retries with exponential
// backoff and a bounded worker pool.
package async

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobType selects the handler for a job
type JobType string

const (
	TypeBusinessPlan JobType = "GENERATE_BUSINESS_PLAN"
	TypeDeliverable  JobType = "GENERATE_DELIVERABLE"
	TypePDF          JobType = "GENERATE_PDF"
)

// JobTypes lists every known job type
func JobTypes() []JobType {
	return []JobType{TypeBusinessPlan, TypeDeliverable, TypePDF}
}

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case TypeBusinessPlan, TypeDeliverable, TypePDF:
		return true
	default:
		return false
	}
}

// JobStatus is the state of a job.
//
//	PENDING -> PROCESSING -> COMPLETED
//	                      -> PENDING (retry, after backoff)
//	                      -> FAILED
//
// COMPLETED and FAILED are terminal.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a persisted generation request
type Job struct {
	ID              string          `json:"id"`
	Type            JobType         `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	ClientID        string          `json:"client_id,omitempty"`
	Status          JobStatus       `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	ResultRef       string          `json:"result_ref,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	NextRunAt       time.Time       `json:"next_run_at"`
	LockedBy        string          `json:"locked_by,omitempty"`
	LeaseUntil      *time.Time      `json:"lease_until,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewJobID returns a time-ordered unique job id
func NewJobID() string {
	return ulid.Make().String()
}

// DecodePayload returns the job's typed payload
func (j *Job) DecodePayload() (Payload, error) {
	return DecodePayload(j.Type, j.Payload)
}

// AttemptsRemaining is how many more claims the job may get
func (j *Job) AttemptsRemaining() int {
	if r := j.MaxAttempts - j.Attempts; r > 0 {
		return r
	}
	return 0
}
