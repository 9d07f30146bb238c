package statsd

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordWithoutPanic(t *testing.T) {
	QueriesTotal.WithLabelValues("w0", "answered").Inc()
	UpstreamDuration.WithLabelValues("w0").Observe(0.01)
	CacheSize.WithLabelValues("w0").Set(42)
	TLSReopens.WithLabelValues("w0").Inc()
}

func TestHandler_ServesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "fdnsd_queries_total")
}
