package docstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/teranos/scribe/errors"
)

const frontMatterDelim = "---"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Local stores documents as markdown files with YAML front matter under a
// base directory: <client>/<entity_kind>/<entity_id>/<id>.md
type Local struct {
	baseDir string
	timeNow func() time.Time
}

var _ Store = (*Local)(nil)

// NewLocal creates a store rooted at baseDir
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir, timeNow: time.Now}
}

// Save writes doc and returns its reference, a path relative to the base
// directory. Each call writes a new file; documents are never overwritten.
func (s *Local) Save(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc.EntityID == "" || doc.EntityKind == "" {
		return "", errors.NewValidationError("document needs entity kind and id")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.timeNow().UTC()
	}

	body, err := encodeDocument(doc)
	if err != nil {
		return "", err
	}

	client := sanitizeKey(doc.ClientID)
	if client == "" {
		client = "_"
	}
	ref := filepath.Join(client, sanitizeKey(strings.ToLower(doc.EntityKind)), sanitizeKey(doc.EntityID),
		fmt.Sprintf("%s_%s.md", doc.CreatedAt.Format("20060102T150405Z"), uuid.NewString()[:8]))

	if err := s.writeFile(ref, body); err != nil {
		return "", err
	}
	return filepath.ToSlash(ref), nil
}

// Open opens a stored document for reading
func (s *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("document not found: %s", ref)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open document %s", ref)
	}
	return f, nil
}

// Load reads a stored document back, front matter and sections
func (s *Local) Load(ctx context.Context, ref string) (Document, error) {
	f, err := s.Open(ctx, ref)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return Document{}, errors.Wrapf(err, "failed to read document %s", ref)
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return Document{}, errors.WithDetail(err, fmt.Sprintf("Document: %s", ref))
	}
	return doc, nil
}

// SaveRender records a render request next to the documents
func (s *Local) SaveRender(ctx context.Context, req RenderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.timeNow().UTC()
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal render request")
	}

	ref := filepath.Join("renders", sanitizeKey(req.ClientID),
		fmt.Sprintf("%s_%s.%s.json", req.RequestedAt.Format("20060102T150405Z"), uuid.NewString()[:8], sanitizeKey(req.Format)))
	if err := s.writeFile(ref, body); err != nil {
		return "", err
	}
	return filepath.ToSlash(ref), nil
}

func (s *Local) writeFile(ref string, body []byte) error {
	full := filepath.Join(s.baseDir, ref)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, "failed to create document directory")
	}
	// Write-then-rename so a crash never leaves a half-written document
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", ref)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to finalize %s", ref)
	}
	return nil
}

func (s *Local) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.NewValidationError("invalid document reference %q", ref)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func sanitizeKey(s string) string {
	return strings.Trim(unsafeKeyChars.ReplaceAllString(s, "_"), "._")
}

// encodeDocument renders the front matter followed by one block per section,
// each introduced by an HTML comment carrying its id so Load can split them.
func encodeDocument(doc Document) ([]byte, error) {
	meta, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode front matter")
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontMatterDelim + "\n")
	if doc.Title != "" {
		fmt.Fprintf(&buf, "\n# %s\n", doc.Title)
	}
	for _, sec := range doc.Sections {
		fmt.Fprintf(&buf, "\n<!-- section:%s -->\n", sec.ID)
		buf.WriteString(strings.TrimRight(sec.Content, "\n"))
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func decodeDocument(raw []byte) (Document, error) {
	var doc Document
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), len(raw)+1)

	if !sc.Scan() || sc.Text() != frontMatterDelim {
		return doc, errors.NewIntegrityError("document has no front matter")
	}
	var meta bytes.Buffer
	closed := false
	for sc.Scan() {
		if sc.Text() == frontMatterDelim {
			closed = true
			break
		}
		meta.WriteString(sc.Text() + "\n")
	}
	if !closed {
		return doc, errors.NewIntegrityError("unterminated front matter")
	}
	if err := yaml.Unmarshal(meta.Bytes(), &doc); err != nil {
		return doc, errors.Wrap(err, "failed to decode front matter")
	}

	bodies := make(map[string]*strings.Builder)
	var current *strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if id, ok := strings.CutPrefix(line, "<!-- section:"); ok && strings.HasSuffix(id, " -->") {
			current = &strings.Builder{}
			bodies[strings.TrimSuffix(id, " -->")] = current
			continue
		}
		if current != nil {
			current.WriteString(line + "\n")
		}
	}
	if err := sc.Err(); err != nil {
		return doc, errors.Wrap(err, "failed to scan document")
	}

	for i := range doc.Sections {
		b, ok := bodies[doc.Sections[i].ID]
		if !ok {
			return doc, errors.NewIntegrityError("section %s missing from document body", doc.Sections[i].ID)
		}
		doc.Sections[i].Content = strings.TrimRight(b.String(), "\n")
	}
	return doc, nil
}
