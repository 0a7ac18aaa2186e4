package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PortalRequests.WithLabelValues(OutcomeSuccess).Inc()
	m.RecordsFetched.WithLabelValues("EPD_202001").Add(3)
	m.CircuitBreakerState.WithLabelValues("opendata-portal").Set(0)
	m.HTTPRequests.WithLabelValues("/api/v1/quantities", "200").Inc()
	m.HTTPDuration.WithLabelValues("/api/v1/quantities").Observe(0.2)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.AnalysesCompleted.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnalysesCompleted))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ReportsPublished.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "epd_reports_published_total 1"))
}
