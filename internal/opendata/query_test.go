package opendata

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEPDQuerySQL(t *testing.T) {
	q := NewEPDQuery("EPD_202001", "13T00", "0407010H0")

	sql, err := q.SQL()
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT * FROM EPD_202001 WHERE pco_code = '13T00' AND bnf_chemical_substance = '0407010H0'",
		sql)
	assert.Contains(t, sql, "'13T00' AND bnf_chemical_substance = '0407010H0'")
}

func TestQuerySQLLimitAndQuoting(t *testing.T) {
	q := Query{
		Resource: "EPD_202001",
		Filters:  []Filter{{Column: "practice_name", Value: "O'Brien & Co"}},
		Limit:    500,
	}

	sql, err := q.SQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM EPD_202001 WHERE practice_name = 'O''Brien & Co' LIMIT 500", sql)
}

func TestQueryNoFilters(t *testing.T) {
	sql, err := Query{Resource: "EPD_202001"}.SQL()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM EPD_202001", sql)
}

func TestQueryRejectsBadIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"empty resource", Query{}},
		{"resource with space", Query{Resource: "EPD 202001"}},
		{"resource injection", Query{Resource: "EPD_202001; DROP"}},
		{"column with quote", Query{Resource: "EPD_202001", Filters: []Filter{{Column: "a'b", Value: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.q.SQL()
			assert.ErrorIs(t, err, ErrInvalidIdentifier)
		})
	}

	_, err := Query{Resource: "EPD_202001", Limit: -1}.SQL()
	assert.Error(t, err)
}

func TestQueryURLRoundTrip(t *testing.T) {
	q := Query{
		Resource: "EPD_202001",
		Filters:  []Filter{{Column: "bnf_description", Value: "Paracetamol 500mg tablets & caps #1?"}},
	}

	raw, err := q.URL("https://opendata.nhsbsa.net/api/3/action/")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "https://opendata.nhsbsa.net/api/3/action/datastore_search_sql?sql="))
	assert.NotContains(t, raw, " ")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	want, _ := q.SQL()
	assert.Equal(t, want, u.Query().Get("sql"))
	assert.Len(t, u.Query(), 1)
}
