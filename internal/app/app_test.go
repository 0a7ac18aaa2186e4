package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-epd/internal/analysis"
	"github.com/drfirst/go-epd/internal/config"
	"github.com/drfirst/go-epd/internal/opendata"
	"github.com/drfirst/go-epd/pkg/circuitbreaker"
)

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	v, err := config.New("")
	require.NoError(t, err)
	v.Set(config.KeyBaseURL, baseURL)
	v.Set(config.KeyRateLimit, 0)
	v.Set(config.KeyChartDir, t.TempDir())
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresExplorer(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "result": {"result": {"records": [
			{"BNF_DESCRIPTION": "Paracetamol 500mg tablets", "QUANTITY": 32}
		]}}}`))
	}))
	defer portal.Close()

	cfg := testConfig(t, portal.URL)
	a, err := New(context.Background(), cfg, "epd-test", nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.NoError(t, a.Ready(context.Background()))
	assert.True(t, a.PortalHealth().Healthy)
	assert.Equal(t, portal.URL, a.Client.BaseURL())

	report, err := a.Explorer.Run(context.Background(), a.Params())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilteredRows)
	assert.Len(t, report.Charts, 6)
}

func TestReadyFailsWhenPortalBreakerOpens(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer portal.Close()

	a, err := New(context.Background(), testConfig(t, portal.URL), "epd-test", nil, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	q := opendata.NewEPDQuery("EPD_202001", "13T00", "0407010H0")
	for i := 0; i < 3; i++ {
		_, err := a.Client.Search(context.Background(), q)
		require.Error(t, err)
	}

	h := a.PortalHealth()
	assert.Equal(t, circuitbreaker.StateOpen, h.State)
	assert.False(t, h.Healthy)
	assert.ErrorContains(t, a.Ready(context.Background()), "circuit breaker opendata-portal is open")
}

func TestParamsFromConfig(t *testing.T) {
	cfg := testConfig(t, "http://portal.invalid")
	a := &App{Config: cfg}

	assert.Equal(t, analysis.Params{
		Resources: []string{"EPD_202001"},
		PCOCode:   "13T00",
		Substance: "0407010H0",
		Contains:  "tablet",
		Top:       10,
		ChartDir:  cfg.Output.ChartDir,
	}, a.Params())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	logger, err = NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(0))

	_, err = NewLogger("chatty", false)
	assert.Error(t, err)
}
