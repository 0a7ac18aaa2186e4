package opendata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-epd/internal/observability/metrics"
	"github.com/drfirst/go-epd/pkg/circuitbreaker"
)

const sampleResponse = `{
  "help": "https://opendata.nhsbsa.net/api/3/action/help_show?name=datastore_search_sql",
  "success": true,
  "result": {
    "records": [],
    "result": {
      "records": [
        {"PCO_CODE": "13T00", "BNF_CHEMICAL_SUBSTANCE": "0407010H0", "BNF_DESCRIPTION": "Paracetamol 500mg tablets", "QUANTITY": 100},
        {"PCO_CODE": "13T00", "BNF_CHEMICAL_SUBSTANCE": "0407010H0", "BNF_DESCRIPTION": "Paracetamol 250mg/5ml oral suspension", "QUANTITY": 200.5}
      ]
    }
  }
}`

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *metrics.Metrics) {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL + "/api/3/action"
	cfg.RateLimit = 0
	cfg.Timeout = 5 * time.Second
	m := metrics.New(nil)
	c, err := NewClient(cfg, m, nil)
	require.NoError(t, err)
	return c, m
}

func TestSearchReturnsRecords(t *testing.T) {
	var gotSQL, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSQL = r.URL.Query().Get("sql")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	c, m := newTestClient(t, srv)
	q := NewEPDQuery("EPD_202001", "13T00", "0407010H0")

	records, err := c.Search(context.Background(), q)
	require.NoError(t, err)

	want, _ := q.SQL()
	assert.Equal(t, "/api/3/action/datastore_search_sql", gotPath)
	assert.Equal(t, want, gotSQL)

	require.Len(t, records, 2)
	assert.Equal(t, "Paracetamol 500mg tablets", records[0]["BNF_DESCRIPTION"])
	assert.Equal(t, json.Number("200.5"), records[1]["QUANTITY"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortalRequests.WithLabelValues(metrics.OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsFetched.WithLabelValues("EPD_202001")))
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "resource not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, m := newTestClient(t, srv)
	_, err := c.Get(context.Background(), srv.URL)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, se.Body, "resource not found")
	assert.False(t, se.Temporary())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortalRequests.WithLabelValues(metrics.OutcomeStatus)))
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State())
}

func TestGetMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": `))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Get(context.Background(), srv.URL)

	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestSearchMissingPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "result": {"records": []}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Search(context.Background(), NewEPDQuery("EPD_202001", "13T00", "0407010H0"))

	assert.ErrorIs(t, err, ErrMissingPath)
	var pe *PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "result", pe.Key)
}

func TestSearchPortalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": {"__type": "Validation Error", "message": "relation does not exist"}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Search(context.Background(), NewEPDQuery("EPD_209912", "13T00", "0407010H0"))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Validation Error", apiErr.Type)
	assert.Equal(t, "relation does not exist", apiErr.Message)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.RateLimit = 0
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Timeout = time.Hour
	m := metrics.New(nil)
	c, err := NewClient(cfg, m, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Get(ctx, srv.URL)
		var se *StatusError
		require.ErrorAs(t, err, &se)
	}

	_, err = c.Get(ctx, srv.URL)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortalRequests.WithLabelValues(metrics.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("opendata-portal")))
}

func TestGetHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
