// Package opendata is a client for the CKAN datastore API of the NHSBSA Open
// Data Portal.
package opendata

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ActionSQL is the CKAN action that accepts a SQL selection.
const ActionSQL = "datastore_search_sql"

// Column names used by EPD resources.
const (
	ColumnPCOCode              = "pco_code"
	ColumnBNFChemicalSubstance = "bnf_chemical_substance"
)

// ErrInvalidIdentifier is returned for resource or column names that cannot
// be embedded in SQL unquoted.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Filter is a single equality predicate.
type Filter struct {
	Column string
	Value  string
}

// Query selects every column of a resource where all filters hold.
type Query struct {
	Resource string
	Filters  []Filter
	// Limit caps the number of rows; zero means no LIMIT clause.
	Limit int
}

// NewEPDQuery returns the query for one commissioning organisation and one
// BNF chemical substance.
func NewEPDQuery(resource, pcoCode, substance string) Query {
	return Query{
		Resource: resource,
		Filters: []Filter{
			{Column: ColumnPCOCode, Value: pcoCode},
			{Column: ColumnBNFChemicalSubstance, Value: substance},
		},
	}
}

// Validate checks identifiers and the limit.
func (q Query) Validate() error {
	if !identifierPattern.MatchString(q.Resource) {
		return fmt.Errorf("%w: resource %q", ErrInvalidIdentifier, q.Resource)
	}
	for _, f := range q.Filters {
		if !identifierPattern.MatchString(f.Column) {
			return fmt.Errorf("%w: column %q", ErrInvalidIdentifier, f.Column)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}

// SQL renders the selection. Values are single-quoted with embedded quotes
// doubled.
func (q Query) SQL() (string, error) {
	if err := q.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(q.Resource)
	for i, f := range q.Filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(f.Column)
		b.WriteString(" = ")
		b.WriteString(quote(f.Value))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), nil
}

// URL returns the full request URL for base, e.g.
// https://opendata.nhsbsa.net/api/3/action/datastore_search_sql?sql=...
func (q Query) URL(base string) (string, error) {
	sql, err := q.SQL()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + ActionSQL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	params := url.Values{}
	params.Set("sql", sql)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
