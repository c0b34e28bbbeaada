// Package checkpoint records per-section progress of long generations so an
// interrupted job resumes where it stopped instead of starting over.
//
// A checkpoint is an append-only log keyed by (job_id, order_index). Writes
// are idempotent for identical content; anything else that would reorder,
// skip or rewrite a section is an integrity error.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EntityKind is the kind of document a job generates.
type EntityKind string

const (
	KindBusinessPlan EntityKind = "BUSINESS_PLAN"
	KindDeliverable  EntityKind = "DELIVERABLE"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindBusinessPlan || k == KindDeliverable
}

// SectionResult is one generated section. Immutable once written.
type SectionResult struct {
	EntityID    string    `json:"entity_id"`
	SectionID   string    `json:"section_id"`
	OrderIndex  int       `json:"order_index"`
	Content     string    `json:"content"`
	GeneratedBy string    `json:"generated_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hash identifies the content of a section for idempotent rewrites.
func (s SectionResult) Hash() string {
	sum := sha256.Sum256([]byte(s.SectionID + "\x00" + s.Content))
	return hex.EncodeToString(sum[:])
}

// Header identifies what a checkpoint belongs to.
type Header struct {
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	ClientID   string     `json:"client_id,omitempty"`
}

// Checkpoint is the persisted progress of one job.
// NextSectionIndex always equals len(Sections).
type Checkpoint struct {
	JobID            string          `json:"job_id"`
	Header                           // embedded for flat JSON
	Sections         []SectionResult `json:"sections"`
	NextSectionIndex int             `json:"next_section_index"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Summary describes resumable work for operators.
type Summary struct {
	JobID            string     `json:"job_id"`
	EntityKind       EntityKind `json:"entity_kind"`
	EntityID         string     `json:"entity_id"`
	ClientID         string     `json:"client_id,omitempty"`
	NextSectionIndex int        `json:"next_section_index"`
	JobStatus        string     `json:"job_status,omitempty"`
	JobError         string     `json:"job_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
