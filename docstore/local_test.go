package docstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/errors"
)

func testDocument() Document {
	return Document{
		JobID:           "01JOB",
		EntityKind:      "DELIVERABLE",
		EntityID:        "d-2026-03",
		ClientID:        "acme/corp",
		Title:           "March deliverable",
		TemplateVersion: "2026.1",
		Sections: []Section{
			{ID: "summary", Title: "Summary", Content: "## Summary\n\nAll good.", GeneratedBy: "provider:gpt-4o-mini"},
			{ID: "next_steps", Title: "Next steps", Content: "- ship it", GeneratedBy: "cache"},
		},
		CreatedAt: time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC),
	}
}

func TestLocal_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir)
	ctx := context.Background()

	ref, err := store.Save(ctx, testDocument())
	require.NoError(t, err)
	assert.Regexp(t, `^acme_corp/deliverable/d-2026-03/20260331T120000Z_[0-9a-f]{8}\.md$`, ref)

	got, err := store.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, testDocument().Sections, got.Sections)
	assert.Equal(t, "01JOB", got.JobID)
	assert.True(t, got.CreatedAt.Equal(testDocument().CreatedAt))

	f, err := store.Open(ctx, ref)
	require.NoError(t, err)
	defer f.Close()
	raw, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# March deliverable")

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(ref)+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file renamed away")
}

func TestLocal_SaveNeverOverwrites(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()

	a, err := store.Save(ctx, testDocument())
	require.NoError(t, err)
	b, err := store.Save(ctx, testDocument())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLocal_RejectsEscapingRefs(t *testing.T) {
	store := NewLocal(t.TempDir())
	for _, ref := range []string{"../etc/passwd", "/etc/passwd", ""} {
		_, err := store.Open(context.Background(), ref)
		assert.True(t, errors.Is(err, errors.ErrValidation), ref)
	}
}

func TestLocal_OpenMissing(t *testing.T) {
	_, err := NewLocal(t.TempDir()).Load(context.Background(), "acme/deliverable/x/none.md")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLocal_LoadDetectsMissingSection(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir)
	ref, err := store.Save(context.Background(), testDocument())
	require.NoError(t, err)

	full := filepath.Join(dir, filepath.FromSlash(ref))
	raw, err := os.ReadFile(full)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(full, []byte(string(raw[:len(raw)/2])), 0o644))

	_, err = store.Load(context.Background(), ref)
	assert.True(t, errors.Is(err, errors.ErrIntegrity))
}

func TestLocal_SaveRender(t *testing.T) {
	store := NewLocal(t.TempDir())
	ref, err := store.SaveRender(context.Background(), RenderRequest{
		JobID: "01PDF", ClientID: "acme", DocumentRef: "acme/deliverable/d/x.md", Format: "pdf", Sections: 2,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^renders/acme/.*\.pdf\.json$`, ref)
}
