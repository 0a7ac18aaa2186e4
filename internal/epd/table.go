// Package epd holds English Prescribing Dataset rows in a small
// column-addressed table and provides the filters and aggregates used by the
// explorer.
package epd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Columns of interest in EPD resources.
const (
	ColumnQuantity             = "QUANTITY"
	ColumnBNFDescription       = "BNF_DESCRIPTION"
	ColumnBNFChemicalSubstance = "BNF_CHEMICAL_SUBSTANCE"
	ColumnPCOCode              = "PCO_CODE"
)

var (
	// ErrColumnNotFound is returned when no row carries the column.
	ErrColumnNotFound = errors.New("column not found")
	// ErrNotNumeric is returned when a value cannot be read as a number.
	ErrNotNumeric = errors.New("value is not numeric")
)

// Record is one prescription line item keyed by column name.
type Record map[string]any

// Table is an ordered set of records sharing one column set. Methods never
// modify the receiver.
type Table struct {
	columns []string
	rows    []Record
}

// NewTable builds a table in record order. Columns are the union of record
// keys, sorted within each record and ordered by first appearance.
func NewTable(records []map[string]any) *Table {
	t := &Table{rows: make([]Record, 0, len(records))}
	seen := make(map[string]struct{})
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = struct{}{}
			t.columns = append(t.columns, k)
		}
		t.rows = append(t.rows, Record(rec))
	}
	return t
}

func (t *Table) derive(rows []Record) *Table {
	return &Table{columns: t.columns, rows: rows}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Columns returns the column names.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// HasColumn reports whether column is part of the schema.
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.columns {
		if c == column {
			return true
		}
	}
	return false
}

// Filter returns the rows for which keep is true.
func (t *Table) Filter(keep func(Record) bool) *Table {
	var rows []Record
	for _, r := range t.rows {
		if keep(r) {
			rows = append(rows, r)
		}
	}
	return t.derive(rows)
}

// Contains returns the rows whose column value contains substr. Matching is
// case-sensitive and unanchored; rows missing the column never match.
func (t *Table) Contains(column, substr string) (*Table, error) {
	if !t.HasColumn(column) && t.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	return t.Filter(func(r Record) bool {
		v, ok := r[column]
		if !ok || v == nil {
			return false
		}
		return strings.Contains(valueString(v), substr)
	}), nil
}

// Strings returns the column as strings, nil values as "".
func (t *Table) Strings(column string) ([]string, error) {
	if !t.HasColumn(column) && t.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	out := make([]string, len(t.rows))
	for i, r := range t.rows {
		if v, ok := r[column]; ok && v != nil {
			out[i] = valueString(v)
		}
	}
	return out, nil
}

// Floats returns the column as numbers. Null and missing values are skipped,
// as ValueCounts skips them.
func (t *Table) Floats(column string) ([]float64, error) {
	if !t.HasColumn(column) && t.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}
	out := make([]float64, 0, len(t.rows))
	for i, r := range t.rows {
		v, ok := r[column]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("row %d column %s: %w", i, column, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Max returns the largest value of a numeric column and false when no row
// has a value.
func (t *Table) Max(column string) (float64, bool, error) {
	vals, err := t.Floats(column)
	if err != nil || len(vals) == 0 {
		return 0, false, err
	}
	top := vals[0]
	for _, v := range vals[1:] {
		if v > top {
			top = v
		}
	}
	return top, true, nil
}

// Group is the subset of rows sharing one value of the grouping column.
type Group struct {
	Key   string
	Table *Table
}

// GroupBy splits the table by the string form of column, groups sorted by
// key.
func (t *Table) GroupBy(column string) ([]Group, error) {
	keys, err := t.Strings(column)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var groups []Group
	var rows [][]Record
	for i, k := range keys {
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, Group{Key: k})
			rows = append(rows, nil)
		}
		rows[gi] = append(rows[gi], t.rows[i])
	}
	for i := range groups {
		groups[i].Table = t.derive(rows[i])
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups, nil
}

// ValueCount is one entry of a frequency table.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ValueCounts counts distinct values of column, most frequent first, ties in
// first-seen order, truncated to n entries. n <= 0 keeps every value.
func (t *Table) ValueCounts(column string, n int) ([]ValueCount, error) {
	if !t.HasColumn(column) && t.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, column)
	}

	index := make(map[string]int)
	var counts []ValueCount
	for _, r := range t.rows {
		v, ok := r[column]
		if !ok || v == nil {
			continue
		}
		key := canonical(v)
		if i, ok := index[key]; ok {
			counts[i].Count++
			continue
		}
		index[key] = len(counts)
		counts = append(counts, ValueCount{Value: key, Count: 1})
	}

	sort.SliceStable(counts, func(i, j int) bool { return counts[i].Count > counts[j].Count })
	if n > 0 && len(counts) > n {
		counts = counts[:n]
	}
	return counts, nil
}

// canonical renders numbers so that 28, 28.0 and "28" share a key.
func canonical(v any) string {
	if f, err := toFloat(v); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return valueString(v)
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, x.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	}
}
