package shardstore

import (
	"encoding/json"
	"slices"

	"github.com/maruel/metascribe/internal/tabular"
)

// tableBuffer accumulates table rows for the next shard. Its columns are the
// union of the buffered tables' columns; a row only has cells up to the
// columns known when it was added, the rest are null.
type tableBuffer struct {
	columns []tabular.Column
	index   map[string]int
	// rows are (key, row, cells...).
	rows [][]tabular.Value
	// segments records each put in order, with its own column order. Rows of
	// one key appear in the buffer in put order, so the segments of a key
	// partition its rows.
	segments []tabular.Segment
}

func (b *tableBuffer) len() int {
	return len(b.rows)
}

// fits reports whether cols can join the buffer without changing the type of
// a buffered column.
func (b *tableBuffer) fits(cols []tabular.Column) bool {
	for _, c := range cols {
		if i, ok := b.index[c.Name]; ok && b.columns[i].Kind != c.Kind {
			return false
		}
	}
	return true
}

func (b *tableBuffer) add(key string, t tabular.Table) {
	if b.index == nil {
		b.index = map[string]int{}
	}
	pos := make([]int, len(t.Columns))
	for j, c := range t.Columns {
		i, ok := b.index[c.Name]
		if !ok {
			i = len(b.columns)
			b.columns = append(b.columns, c)
			b.index[c.Name] = i
		}
		pos[j] = i
	}
	for r, src := range t.Rows {
		row := make([]tabular.Value, 2+len(b.columns))
		row[0] = tabular.Text(key)
		row[1] = tabular.Int(int64(r))
		for j, v := range src {
			row[2+pos[j]] = v
		}
		b.rows = append(b.rows, row)
	}
	b.segments = append(b.segments, tabular.Segment{Key: key, Columns: slices.Clone(t.Columns), Rows: len(t.Rows)})
}

// holds reports whether a put under key is buffered.
func (b *tableBuffer) holds(key string) bool {
	return slices.ContainsFunc(b.segments, func(s tabular.Segment) bool { return s.Key == key })
}

func (b *tableBuffer) frame() (*tabular.Frame, error) {
	segs, err := json.Marshal(b.segments)
	if err != nil {
		return nil, err
	}
	cols := make([]tabular.Column, 0, 2+len(b.columns))
	cols = append(cols, tabular.Column{Name: keyColumn, Kind: tabular.KindText}, tabular.Column{Name: rowColumn, Kind: tabular.KindInteger})
	cols = append(cols, b.columns...)
	return &tabular.Frame{
		Columns:  cols,
		Required: map[string]bool{keyColumn: true, rowColumn: true},
		Rows:     b.rows,
		Metadata: map[string]string{tabular.SegmentsKey: string(segs)},
	}, nil
}

// unionColumns appends the columns of b missing from a. Kinds of a win.
func unionColumns(a, b []tabular.Column) []tabular.Column {
	for _, c := range b {
		if !slices.ContainsFunc(a, func(x tabular.Column) bool { return x.Name == c.Name }) {
			a = append(a, c)
		}
	}
	return a
}
