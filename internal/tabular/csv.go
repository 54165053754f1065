package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

var errNoHeader = errors.New("csv input has no header row")

// ReadCSV loads a table from CSV with a header row. Each column gets the
// narrowest kind able to hold all of its non-empty cells; empty cells are
// null.
func ReadCSV(r io.Reader) (Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return Table{}, errNoHeader
	}
	header := records[0]
	t := Table{Columns: make([]Column, len(header))}
	parsed := make([][]Value, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]Value, len(header))
		for j, cell := range rec {
			if cell == "" {
				continue
			}
			row[j] = Parse(cell)
			t.Columns[j].Kind = Widen(t.Columns[j].Kind, row[j].Kind())
		}
		parsed = append(parsed, row)
	}
	for j, name := range header {
		t.Columns[j].Name = name
		if t.Columns[j].Kind == KindNull {
			t.Columns[j].Kind = KindText
		}
	}
	for _, row := range parsed {
		for j := range row {
			if row[j].IsNull() {
				continue
			}
			if t.Columns[j].Kind == KindText {
				// Keep the cell exactly as written.
				row[j] = Text(records[1+len(t.Rows)][j])
			} else {
				row[j] = Coerce(row[j], t.Columns[j].Kind)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, t.Validate()
}

// WriteCSV writes t with a header row. Nulls are written as empty cells.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for j, v := range row {
			rec[j] = v.String()
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
