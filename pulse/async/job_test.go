package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scribe/errors"
)

func TestDecodePayload(t *testing.T) {
	t.Run("deliverable round trip", func(t *testing.T) {
		p, err := DecodePayload(TypeDeliverable, []byte(`{"client_id":"acme","deliverable_id":"d-1","month":3,"year":2026}`))
		require.NoError(t, err)
		d, ok := p.(DeliverablePayload)
		require.True(t, ok)
		assert.Equal(t, "acme", d.Client())
		assert.Equal(t, 3, d.Month)
	})

	tests := []struct {
		name string
		t    JobType
		raw  string
	}{
		{"unknown field", TypeBusinessPlan, `{"client_id":"a","plan_id":"p","colour":"red"}`},
		{"missing client", TypeBusinessPlan, `{"plan_id":"p"}`},
		{"month out of range", TypeDeliverable, `{"client_id":"a","deliverable_id":"d","month":13,"year":2026}`},
		{"year out of range", TypeDeliverable, `{"client_id":"a","deliverable_id":"d","month":1,"year":1999}`},
		{"duplicate section", TypeDeliverable, `{"client_id":"a","deliverable_id":"d","month":1,"year":2026,"sections":["x","x"]}`},
		{"pdf without document", TypePDF, `{"client_id":"a"}`},
		{"empty body", TypePDF, ``},
		{"unknown type", JobType("GENERATE_POEM"), `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.t, []byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"transient", errors.MarkTransient(errors.New("503")), ErrorKindTransient},
		{"wrapped transient", errors.Wrap(errors.MarkTransient(errors.New("eof")), "call"), ErrorKindTransient},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "provider"), ErrorKindTransient},
		{"budget", errors.MarkBudgetExceeded(errors.New("client over")), ErrorKindBudget},
		{"validation", errors.NewValidationError("bad month"), ErrorKindValidation},
		{"integrity", errors.NewIntegrityError("gap at 2"), ErrorKindIntegrity},
		{"cancelled", errors.Mark(errors.New("stop"), errors.ErrCancelled), ErrorKindCancelled},
		{"unmarked", errors.New("boom"), ErrorKindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}

	assert.True(t, ErrorKindTransient.Retryable())
	assert.False(t, ErrorKindBudget.Retryable())
	assert.False(t, ErrorKindFatal.Retryable())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second}

	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(200), "large attempts must not overflow")

	assert.Equal(t, DefaultBackoff.Base, Backoff{}.Delay(1))
}

func TestJobStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.True(t, IsValidStatus("PROCESSING"))
	assert.False(t, IsValidStatus("running"))
	assert.Len(t, JobTypes(), 3)
	assert.NotEqual(t, NewJobID(), NewJobID())
}
