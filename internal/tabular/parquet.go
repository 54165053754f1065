package tabular

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// Parquet files written by this package carry their logical layout in the
// file's key/value metadata under SegmentsKey: a JSON list of Segment, one per
// logical table stored in the file, in row order. Parquet itself orders the
// columns of a flat schema by name, so the metadata is what restores the
// caller's column order.

// SegmentsKey is the key/value metadata entry holding the JSON segment list.
const SegmentsKey = "metascribe.columns"

var errUnsupportedColumn = errors.New("unsupported parquet column type")

// Segment describes one logical table inside a Parquet file.
type Segment struct {
	// Key is the logical key of the table; empty for single-table files.
	Key     string   `json:"key,omitempty"`
	Columns []Column `json:"columns"`
	Rows    int      `json:"rows"`
}

// Frame is a flat set of rows addressed by column name, the unit the codec
// reads and writes.
type Frame struct {
	// Columns in caller order. Required columns never hold nulls.
	Columns  []Column
	Required map[string]bool
	Rows     [][]Value
	Metadata map[string]string
}

// layout maps frame columns onto Parquet leaf column indexes.
type layout struct {
	schema *parquet.Schema
	// leaf[i] is the leaf column index of Frame.Columns[i].
	leaf     []int
	required []bool
}

func parquetNode(k Kind) (parquet.Node, error) {
	switch k {
	case KindInteger:
		return parquet.Int(64), nil
	case KindReal:
		return parquet.Leaf(parquet.DoubleType), nil
	case KindText:
		return parquet.String(), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedColumn, k)
	}
}

func newLayout(f *Frame) (*layout, error) {
	group := make(parquet.Group, len(f.Columns))
	for _, c := range f.Columns {
		node, err := parquetNode(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		if !f.Required[c.Name] {
			node = parquet.Optional(node)
		}
		group[c.Name] = node
	}
	schema := parquet.NewSchema("metascribe", group)
	index := make(map[string]int, len(f.Columns))
	for i, path := range schema.Columns() {
		index[path[0]] = i
	}
	l := &layout{
		schema:   schema,
		leaf:     make([]int, len(f.Columns)),
		required: make([]bool, len(f.Columns)),
	}
	for i, c := range f.Columns {
		l.leaf[i] = index[c.Name]
		l.required[i] = f.Required[c.Name]
	}
	return l, nil
}

func (l *layout) row(cells []Value) (parquet.Row, error) {
	row := make(parquet.Row, len(l.leaf))
	for i, leaf := range l.leaf {
		var v Value
		if i < len(cells) {
			v = cells[i]
		}
		var pv parquet.Value
		def := 1
		switch v.Kind() {
		case KindNull:
			if l.required[i] {
				return nil, fmt.Errorf("null in required column %d", i)
			}
			pv, def = parquet.NullValue(), 0
		case KindInteger:
			pv = parquet.Int64Value(v.i)
		case KindReal:
			pv = parquet.DoubleValue(v.f)
		case KindText:
			pv = parquet.ByteArrayValue([]byte(v.s))
		}
		if l.required[i] {
			def = 0
		}
		row[leaf] = pv.Level(0, def, leaf)
	}
	return row, nil
}

// WriteFrame encodes f as a zstd compressed Parquet file.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Columns) == 0 {
		return errNoColumns
	}
	l, err := newLayout(f)
	if err != nil {
		return err
	}
	opts := []parquet.WriterOption{l.schema, parquet.Compression(&parquet.Zstd)}
	for k, v := range f.Metadata {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}
	pw := parquet.NewWriter(w, opts...)
	const batch = 1024
	buf := make([]parquet.Row, 0, batch)
	for i, cells := range f.Rows {
		r, err := l.row(cells)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		buf = append(buf, r)
		if len(buf) == batch {
			if _, err := pw.WriteRows(buf); err != nil {
				return fmt.Errorf("failed to write parquet rows: %w", err)
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if _, err := pw.WriteRows(buf); err != nil {
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return nil
}

// ReadFrame decodes a Parquet file. Columns are returned in file order, kinds
// taken from the physical column types. Only Metadata entries with keys in
// metaKeys are returned.
func ReadFrame(r io.ReaderAt, size int64, metaKeys ...string) (*Frame, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	f := &Frame{Required: map[string]bool{}, Metadata: map[string]string{}}
	for _, k := range metaKeys {
		if v, ok := pf.Lookup(k); ok {
			f.Metadata[k] = v
		}
	}
	schema := pf.Schema()
	paths := schema.Columns()
	kinds := make([]Kind, len(paths))
	for i, path := range paths {
		leaf, ok := schema.Lookup(path...)
		if !ok {
			return nil, fmt.Errorf("parquet column %v missing from schema", path)
		}
		switch leaf.Node.Type().Kind() {
		case parquet.Int32, parquet.Int64:
			kinds[i] = KindInteger
		case parquet.Float, parquet.Double:
			kinds[i] = KindReal
		case parquet.ByteArray, parquet.FixedLenByteArray:
			kinds[i] = KindText
		default:
			return nil, fmt.Errorf("column %q: %w", path[0], errUnsupportedColumn)
		}
		f.Columns = append(f.Columns, Column{Name: path[0], Kind: kinds[i]})
		f.Required[path[0]] = leaf.Node.Required()
	}
	f.Rows = make([][]Value, 0, pf.NumRows())
	buf := make([]parquet.Row, 256)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, pr := range buf[:n] {
				cells := make([]Value, len(paths))
				for _, pv := range pr {
					col := pv.Column()
					if col < 0 || col >= len(cells) || pv.IsNull() {
						continue
					}
					switch kinds[col] {
					case KindInteger:
						cells[col] = Int(pv.Int64())
					case KindReal:
						cells[col] = Real(pv.Double())
					case KindText:
						cells[col] = Text(string(pv.ByteArray()))
					}
				}
				f.Rows = append(f.Rows, cells)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to read parquet rows: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("failed to close parquet row reader: %w", err)
		}
	}
	return f, nil
}

// Segments decodes the segment list stored under SegmentsKey.
func (f *Frame) Segments() ([]Segment, error) {
	raw, ok := f.Metadata[SegmentsKey]
	if !ok {
		return nil, nil
	}
	var segs []Segment
	if err := json.Unmarshal([]byte(raw), &segs); err != nil {
		return nil, fmt.Errorf("invalid %s metadata: %w", SegmentsKey, err)
	}
	return segs, nil
}

// EncodeTable writes a single table as Parquet. extra is merged into the key/
// value metadata.
func EncodeTable(w io.Writer, t Table, extra map[string]string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	segs, err := json.Marshal([]Segment{{Columns: t.Columns, Rows: len(t.Rows)}})
	if err != nil {
		return err
	}
	meta := map[string]string{SegmentsKey: string(segs)}
	for k, v := range extra {
		meta[k] = v
	}
	return WriteFrame(w, &Frame{Columns: t.Columns, Rows: t.Rows, Metadata: meta})
}

// DecodeTable reads a file written by EncodeTable and returns the table with
// its own column order, plus the requested metadata entries.
func DecodeTable(r io.ReaderAt, size int64, metaKeys ...string) (Table, map[string]string, error) {
	f, err := ReadFrame(r, size, append([]string{SegmentsKey}, metaKeys...)...)
	if err != nil {
		return Table{}, nil, err
	}
	segs, err := f.Segments()
	if err != nil {
		return Table{}, nil, err
	}
	cols := f.Columns
	if len(segs) == 1 {
		cols = segs[0].Columns
	}
	t, err := f.Project(cols, 0, len(f.Rows))
	if err != nil {
		return Table{}, nil, err
	}
	delete(f.Metadata, SegmentsKey)
	return t, f.Metadata, nil
}

// Project returns rows [from, to) restricted to cols, in cols order. Columns
// missing from the frame yield nulls; a kind disagreement is an error.
func (f *Frame) Project(cols []Column, from, to int) (Table, error) {
	pos := make([]int, len(cols))
	for i, c := range cols {
		pos[i] = -1
		for j, fc := range f.Columns {
			if fc.Name == c.Name {
				if fc.Kind != c.Kind {
					return Table{}, fmt.Errorf("column %q: stored as %s, described as %s", c.Name, fc.Kind, c.Kind)
				}
				pos[i] = j
				break
			}
		}
	}
	t := Table{Columns: cols, Rows: make([][]Value, 0, to-from)}
	for _, src := range f.Rows[from:to] {
		row := make([]Value, len(cols))
		for i, p := range pos {
			if p >= 0 {
				row[i] = src[p]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
