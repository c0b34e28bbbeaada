package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveJobCountsRetries(t *testing.T) {
	before := testutil.ToFloat64(jobRetries.WithLabelValues("generate_deliverable"))

	ObserveJob("GENERATE_DELIVERABLE", "PENDING", time.Second)
	ObserveJob("GENERATE_DELIVERABLE", "COMPLETED", time.Second)

	assert.Equal(t, before+1, testutil.ToFloat64(jobRetries.WithLabelValues("generate_deliverable")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(jobsFinished.WithLabelValues("generate_deliverable", "completed")), 1.0)
}

func TestObserveCompletionSkipsTokensOnFailure(t *testing.T) {
	before := testutil.ToFloat64(tokensIn.WithLabelValues("echo", "fail-model"))
	ObserveCompletion("echo", "fail-model", 100, 50, 0.1, time.Millisecond, false)
	assert.Equal(t, before, testutil.ToFloat64(tokensIn.WithLabelValues("echo", "fail-model")))

	ObserveCompletion("echo", "fail-model", 100, 50, 0.1, time.Millisecond, true)
	assert.Equal(t, before+100, testutil.ToFloat64(tokensIn.WithLabelValues("echo", "fail-model")))
}

func TestNormLabels(t *testing.T) {
	assert.Equal(t, "unknown", norm("  "))
	assert.Equal(t, "hit", norm(" HIT "))
}

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	IncCacheLookup("hit")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "scribe_cache_lookups_total"))
}
