package corvus

import (
	"strings"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/storage"
	"github.com/corvusdb/corvus/pkg/types"
)

// Rows is a cursor over a query's result set, one row at a time via Next.
type Rows struct {
	columns []string
	rows    []storage.Row
	pos     int
}

// Columns returns the result's column names in positional order.
func (r *Rows) Columns() []string { return r.columns }

// Next advances to the next row, reporting whether one is available.
func (r *Rows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

// Row returns the row Next just advanced onto.
func (r *Rows) Row() *Row {
	return &Row{columns: r.columns, values: r.rows[r.pos-1]}
}

// All drains every remaining row.
func (r *Rows) All() []*Row {
	out := make([]*Row, 0, len(r.rows)-r.pos)
	for r.Next() {
		out = append(out, r.Row())
	}
	return out
}

// Row is one result row with typed, name- or position-indexed access.
type Row struct {
	columns []string
	values  storage.Row
}

func (row *Row) indexOf(column string) int {
	for i, c := range row.columns {
		if strings.EqualFold(c, column) {
			return i
		}
	}
	return -1
}

// Value returns the raw typed value at column, by name.
func (row *Row) Value(column string) (types.Value, error) {
	idx := row.indexOf(column)
	if idx < 0 {
		return types.Value{}, &errors.ColumnNotFoundError{Column: column}
	}
	return row.values[idx], nil
}

// At returns the raw typed value at a 0-based positional index.
func (row *Row) At(i int) types.Value { return row.values[i] }

// Len reports the row's column count.
func (row *Row) Len() int { return len(row.values) }

func (row *Row) Int(column string) (int64, error) {
	v, err := row.Value(column)
	if err != nil {
		return 0, err
	}
	return v.Int(), nil
}

func (row *Row) Float64(column string) (float64, error) {
	v, err := row.Value(column)
	if err != nil {
		return 0, err
	}
	return v.Float64(), nil
}

func (row *Row) String(column string) (string, error) {
	v, err := row.Value(column)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (row *Row) Bool(column string) (bool, error) {
	v, err := row.Value(column)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}
