// Package docstore persists assembled documents. A document is stored once
// per completed generation and addressed by an opaque reference.
package docstore

import (
	"context"
	"io"
	"time"
)

// Section is one generated section in document order
type Section struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Content     string `yaml:"-" json:"content"`
	GeneratedBy string `yaml:"generated_by,omitempty" json:"generated_by,omitempty"`
}

// Document is an assembled generation result
type Document struct {
	JobID           string    `yaml:"job_id" json:"job_id"`
	EntityKind      string    `yaml:"entity_kind" json:"entity_kind"`
	EntityID        string    `yaml:"entity_id" json:"entity_id"`
	ClientID        string    `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Title           string    `yaml:"title,omitempty" json:"title,omitempty"`
	TemplateVersion string    `yaml:"template_version,omitempty" json:"template_version,omitempty"`
	Sections        []Section `yaml:"sections" json:"sections"`
	CreatedAt       time.Time `yaml:"created_at" json:"created_at"`
}

// RenderRequest asks for a stored document to be rendered to a target
// format. Rendering happens outside this system; the request is recorded.
type RenderRequest struct {
	JobID       string    `json:"job_id"`
	ClientID    string    `json:"client_id"`
	DocumentRef string    `json:"document_ref"`
	Format      string    `json:"format"`
	Title       string    `json:"title,omitempty"`
	Sections    int       `json:"sections"`
	RequestedAt time.Time `json:"requested_at"`
}

// Store saves and reads documents
type Store interface {
	Save(ctx context.Context, doc Document) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Load(ctx context.Context, ref string) (Document, error)
	SaveRender(ctx context.Context, req RenderRequest) (string, error)
}
