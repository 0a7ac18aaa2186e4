package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-epd/internal/analysis"
	"github.com/drfirst/go-epd/internal/epd"
	"github.com/drfirst/go-epd/internal/observability/metrics"
	"github.com/drfirst/go-epd/pkg/circuitbreaker"
)

type stubAnalyzer struct{}

func (stubAnalyzer) Run(_ context.Context, p analysis.Params) (*analysis.Report, error) {
	return &analysis.Report{
		RunID:       "run-1",
		Params:      p,
		TopQuantity: []epd.ValueCount{{Value: "28", Count: 4}},
	}, nil
}

func (stubAnalyzer) Quantities(context.Context, analysis.Params) ([]float64, error) {
	return []float64{28, 28, 56}, nil
}

func portalHealth() circuitbreaker.HealthStatus {
	return circuitbreaker.HealthStatus{Name: "opendata-portal", State: circuitbreaker.StateClosed, Requests: 3, Failures: 1, Healthy: true}
}

func newTestRouter(t *testing.T, ready func(context.Context) error, keys map[string]string) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv := httptest.NewServer(NewRouter(Deps{
		Analyzer: stubAnalyzer{},
		Defaults: analysis.Params{Resources: []string{"EPD_202001"}, PCOCode: "13T00", Substance: "0407010H0", Contains: "tablet", Top: 10},
		Metrics:  m,
		Gatherer: reg,
		Ready:    ready,
		Portal:   portalHealth,
		APIKeys:  keys,
	}))
	t.Cleanup(srv.Close)
	return srv, m
}

func get(t *testing.T, url string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestRouter(t, nil, nil)

	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy","service":"epd-api","version":"1.0.0",
		"portal":{"name":"opendata-portal","state":"closed","requests":3,"failures":1,"healthy":true}}`, body)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReady(t *testing.T) {
	var readyErr error
	srv, _ := newTestRouter(t, func(context.Context) error { return readyErr }, nil)

	resp, _ := get(t, srv.URL+"/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	readyErr = errors.New("circuit breaker opendata-portal is open")
	resp, body := get(t, srv.URL+"/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "opendata-portal")
}

func TestQuantitiesAndMetrics(t *testing.T) {
	srv, _ := newTestRouter(t, nil, nil)

	resp, body := get(t, srv.URL+"/api/v1/quantities?top=3")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"run_id":"run-1"`)
	assert.Contains(t, body, `"top":3`)

	resp, _ = get(t, srv.URL+"/api/v1/quantities/histogram.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	_, metricsBody := get(t, srv.URL+"/metrics")
	assert.True(t, strings.Contains(metricsBody, `epd_http_requests_total{code="200",route="/api/v1/quantities`), metricsBody)
}

func TestAPIKeyRequiredWhenConfigured(t *testing.T) {
	srv, _ := newTestRouter(t, nil, map[string]string{"k1": "analyst"})

	resp, _ := get(t, srv.URL+"/api/v1/quantities")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/v1/quantities", "X-API-Key", "k1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
