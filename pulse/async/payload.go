package async

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/teranos/scribe/errors"
)

// Payload is the typed body of a job. The set of implementations is closed:
// one struct per JobType, switched on exhaustively by the generation handler.
type Payload interface {
	JobType() JobType
	Client() string
	Validate() error
	isPayload()
}

// BusinessPlanPayload requests a full business plan for a client
type BusinessPlanPayload struct {
	ClientID        string            `json:"client_id"`
	PlanID          string            `json:"plan_id"`
	Variables       map[string]string `json:"variables,omitempty"`
	TemplateVersion string            `json:"template_version,omitempty"`
}

// DeliverablePayload requests the monthly deliverable for a client.
// Sections optionally restricts generation to a subset of the catalog, in
// catalog order.
type DeliverablePayload struct {
	ClientID        string            `json:"client_id"`
	DeliverableID   string            `json:"deliverable_id"`
	Month           int               `json:"month"`
	Year            int               `json:"year"`
	Variables       map[string]string `json:"variables,omitempty"`
	TemplateVersion string            `json:"template_version,omitempty"`
	Sections        []string          `json:"sections,omitempty"`
}

// PDFPayload requests a render of a stored document
type PDFPayload struct {
	ClientID    string `json:"client_id"`
	DocumentRef string `json:"document_ref"`
}

func (BusinessPlanPayload) JobType() JobType { return TypeBusinessPlan }
func (DeliverablePayload) JobType() JobType  { return TypeDeliverable }
func (PDFPayload) JobType() JobType          { return TypePDF }

func (p BusinessPlanPayload) Client() string { return p.ClientID }
func (p DeliverablePayload) Client() string  { return p.ClientID }
func (p PDFPayload) Client() string          { return p.ClientID }

func (BusinessPlanPayload) isPayload() {}
func (DeliverablePayload) isPayload()  {}
func (PDFPayload) isPayload()          {}

// Validate checks the payload structure
func (p BusinessPlanPayload) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" {
		return errors.NewValidationError("business plan: client_id is required")
	}
	if strings.TrimSpace(p.PlanID) == "" {
		return errors.NewValidationError("business plan: plan_id is required")
	}
	return validateVariables(p.Variables)
}

// Validate checks the payload structure
func (p DeliverablePayload) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" {
		return errors.NewValidationError("deliverable: client_id is required")
	}
	if strings.TrimSpace(p.DeliverableID) == "" {
		return errors.NewValidationError("deliverable: deliverable_id is required")
	}
	if p.Month < 1 || p.Month > 12 {
		return errors.NewValidationError("deliverable: month %d out of range 1-12", p.Month)
	}
	if p.Year < 2000 || p.Year > 2100 {
		return errors.NewValidationError("deliverable: year %d out of range", p.Year)
	}
	seen := make(map[string]bool, len(p.Sections))
	for _, s := range p.Sections {
		if strings.TrimSpace(s) == "" {
			return errors.NewValidationError("deliverable: empty section id")
		}
		if seen[s] {
			return errors.NewValidationError("deliverable: section %q listed twice", s)
		}
		seen[s] = true
	}
	return validateVariables(p.Variables)
}

// Validate checks the payload structure
func (p PDFPayload) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" {
		return errors.NewValidationError("pdf: client_id is required")
	}
	if strings.TrimSpace(p.DocumentRef) == "" {
		return errors.NewValidationError("pdf: document_ref is required")
	}
	return nil
}

func validateVariables(vars map[string]string) error {
	for k := range vars {
		if strings.TrimSpace(k) == "" {
			return errors.NewValidationError("variable names must not be empty")
		}
	}
	return nil
}

// DecodePayload parses raw into the payload struct for t and validates it.
// Unknown fields are rejected.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeBusinessPlan:
		var v BusinessPlanPayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeDeliverable:
		var v DeliverablePayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case TypePDF:
		var v PDFPayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, errors.NewValidationError("unknown job type %q", t)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func strictUnmarshal(raw []byte, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.NewValidationError("payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "malformed payload"), errors.ErrValidation)
	}
	return nil
}
