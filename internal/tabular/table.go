package tabular

import (
	"errors"
	"fmt"
	"slices"
)

var (
	errNoColumns     = errors.New("table has no columns")
	errEmptyName     = errors.New("column name is required")
	errDuplicateName = errors.New("duplicate column name")
	errRowWidth      = errors.New("row width does not match columns")
	errCellKind      = errors.New("cell kind does not match column kind")
)

// Column describes one column of a Table.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Table is an ordered set of typed columns and ordered rows. A cell is either
// null or of its column's kind.
type Table struct {
	Columns []Column
	Rows    [][]Value
}

// NewTable returns an empty table with the given columns.
func NewTable(columns ...Column) Table {
	return Table{Columns: columns}
}

// Append adds a row. Cells are converted with Infer, then coerced to their
// column's kind.
func (t *Table) Append(cells ...any) error {
	row := make([]Value, len(cells))
	for i, c := range cells {
		row[i] = Infer(c)
		if i < len(t.Columns) {
			row[i] = Coerce(row[i], t.Columns[i].Kind)
		}
	}
	if err := t.checkRow(len(t.Rows), row); err != nil {
		return err
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	return slices.IndexFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// Validate checks that column names are unique and every row is well formed.
func (t *Table) Validate() error {
	if len(t.Columns) == 0 {
		return errNoColumns
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for i, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("column %d: %w", i, errEmptyName)
		}
		if c.Kind == KindNull {
			return fmt.Errorf("column %q: kind is required", c.Name)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("%w: %q", errDuplicateName, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for i, row := range t.Rows {
		if err := t.checkRow(i, row); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) checkRow(i int, row []Value) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("row %d: %w: got %d, want %d", i, errRowWidth, len(row), len(t.Columns))
	}
	for j, v := range row {
		if !v.IsNull() && v.Kind() != t.Columns[j].Kind {
			return fmt.Errorf("row %d column %q: %w: got %s, want %s", i, t.Columns[j].Name, errCellKind, v.Kind(), t.Columns[j].Kind)
		}
	}
	return nil
}

// Equal reports whether t and o have the same columns and cells in the same
// order.
func (t Table) Equal(o Table) bool {
	if !slices.Equal(t.Columns, o.Columns) || len(t.Rows) != len(o.Rows) {
		return false
	}
	for i := range t.Rows {
		if !slices.EqualFunc(t.Rows[i], o.Rows[i], Value.Equal) {
			return false
		}
	}
	return true
}

// Records returns the rows as maps keyed by column name, nulls as nil.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		for j, c := range t.Columns {
			m[c.Name] = row[j].Any()
		}
		out = append(out, m)
	}
	return out
}
