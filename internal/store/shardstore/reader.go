package shardstore

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/maruel/metascribe/internal/tabular"
)

// Object is one object read back from the store.
type Object struct {
	Key  string
	Kind string
	// TS is the write time, rounded to the float64 seconds stored on disk.
	TS time.Time
	// Value is the decoded JSON value, numbers as json.Number.
	Value any
}

// Read reassembles every committed table and object whose key starts with
// prefix, across all writers.
//
// Tables are returned by key with their rows in insertion order and the
// bookkeeping columns dropped. A key put several times gets the rows of every
// put, ordered by row index within each put. A table put without rows reads
// back with its columns and no rows. Objects are sorted by timestamp, oldest first.
// Buffered, unflushed data of live writers is not visible.
func Read(ctx context.Context, root, prefix string) (map[string]tabular.Table, []Object, error) {
	match := func(k string) bool { return strings.HasPrefix(k, prefix) }
	tables, err := readTables(ctx, root, match)
	if err != nil {
		return nil, nil, err
	}
	objects, err := readObjects(ctx, root, match)
	if err != nil {
		return nil, nil, err
	}
	return tables, objects, nil
}

// shards lists the committed shards of a domain, in writer then sequence
// order. Temporary files never match.
func shards(root, domain string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, domain, "writer=*", shardGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	return matches, nil
}

func readShard(path string, metaKeys ...string) (*tabular.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	frame, err := tabular.ReadFrame(f, fi.Size(), metaKeys...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

// columnIndex returns the position of the named column of kind k.
func columnIndex(f *tabular.Frame, path, name string, k tabular.Kind) (int, error) {
	for i, c := range f.Columns {
		if c.Name == name {
			if c.Kind != k {
				return 0, fmt.Errorf("%s: column %q is %s, want %s", path, name, c.Kind, k)
			}
			return i, nil
		}
	}
	return 0, fmt.Errorf("%s: missing column %q", path, name)
}

// assembly collects the rows of one key across shards.
type assembly struct {
	columns []tabular.Column
	rows    []indexedRow
}

type indexedRow struct {
	index int64
	cells []tabular.Value
}

func readTables(ctx context.Context, root string, match func(string) bool) (map[string]tabular.Table, error) {
	paths, err := shards(root, tablesDir)
	if err != nil {
		return nil, err
	}
	parts := map[string]*assembly{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := readShard(p, tabular.SegmentsKey)
		if err != nil {
			return nil, err
		}
		if err := collectTables(p, frame, match, parts); err != nil {
			return nil, err
		}
	}
	out := make(map[string]tabular.Table, len(parts))
	for k, a := range parts {
		out[k] = a.table()
	}
	return out, nil
}

func collectTables(path string, frame *tabular.Frame, match func(string) bool, parts map[string]*assembly) error {
	ki, err := columnIndex(frame, path, keyColumn, tabular.KindText)
	if err != nil {
		return err
	}
	ri, err := columnIndex(frame, path, rowColumn, tabular.KindInteger)
	if err != nil {
		return err
	}
	segs, err := frame.Segments()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	declared := map[string][]tabular.Column{}
	for _, s := range segs {
		declared[s.Key] = unionColumns(declared[s.Key], s.Columns)
	}
	var data []tabular.Column
	for i, c := range frame.Columns {
		if i != ki && i != ri {
			data = append(data, c)
		}
	}
	// pos[key][j] is the frame column feeding the j-th column of the key's
	// assembly.
	pos := map[string][]int{}
	bind := func(key string) (*assembly, []int, error) {
		a := parts[key]
		if a == nil {
			a = &assembly{}
			parts[key] = a
		}
		idx, ok := pos[key]
		if !ok {
			cols, ok := declared[key]
			if !ok {
				cols = data
			}
			var err error
			if idx, err = a.addColumns(path, frame, cols); err != nil {
				return nil, nil, err
			}
			pos[key] = idx
		}
		return a, idx, nil
	}
	// Segments without rows still declare their table.
	for _, s := range segs {
		if match(s.Key) {
			if _, _, err := bind(s.Key); err != nil {
				return err
			}
		}
	}
	for _, cells := range frame.Rows {
		key := cells[ki].String()
		if !match(key) {
			continue
		}
		a, idx, err := bind(key)
		if err != nil {
			return err
		}
		row := make([]tabular.Value, len(a.columns))
		for j, fi := range idx {
			if fi >= 0 {
				row[j] = cells[fi]
			}
		}
		a.rows = append(a.rows, indexedRow{index: cells[ri].Int64(), cells: row})
	}
	return nil
}

// latestTable returns the table of the most recent put under key: the last
// segment for key in writer, shard and segment order.
func latestTable(ctx context.Context, root, key string) (tabular.Table, bool, error) {
	paths, err := shards(root, tablesDir)
	if err != nil {
		return tabular.Table{}, false, err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return tabular.Table{}, false, err
		}
		frame, err := readShard(paths[i], tabular.SegmentsKey)
		if err != nil {
			return tabular.Table{}, false, err
		}
		t, ok, err := lastPut(paths[i], frame, key)
		if err != nil || ok {
			return t, ok, err
		}
	}
	return tabular.Table{}, false, nil
}

// lastPut extracts the last put under key from one table shard.
func lastPut(path string, frame *tabular.Frame, key string) (tabular.Table, bool, error) {
	segs, err := frame.Segments()
	if err != nil {
		return tabular.Table{}, false, fmt.Errorf("%s: %w", path, err)
	}
	if len(segs) == 0 {
		// Without segments the shard cannot tell puts apart.
		parts := map[string]*assembly{}
		if err := collectTables(path, frame, func(k string) bool { return k == key }, parts); err != nil {
			return tabular.Table{}, false, err
		}
		if a, ok := parts[key]; ok {
			return a.table(), true, nil
		}
		return tabular.Table{}, false, nil
	}
	last, skip := -1, 0
	for i, s := range segs {
		if s.Key != key {
			continue
		}
		if last >= 0 {
			skip += segs[last].Rows
		}
		last = i
	}
	if last < 0 {
		return tabular.Table{}, false, nil
	}
	ki, err := columnIndex(frame, path, keyColumn, tabular.KindText)
	if err != nil {
		return tabular.Table{}, false, err
	}
	ri, err := columnIndex(frame, path, rowColumn, tabular.KindInteger)
	if err != nil {
		return tabular.Table{}, false, err
	}
	a := &assembly{}
	idx, err := a.addColumns(path, frame, segs[last].Columns)
	if err != nil {
		return tabular.Table{}, false, err
	}
	n := segs[last].Rows
	for _, cells := range frame.Rows {
		if n == 0 {
			break
		}
		if cells[ki].String() != key {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		row := make([]tabular.Value, len(a.columns))
		for j, fi := range idx {
			if fi >= 0 {
				row[j] = cells[fi]
			}
		}
		a.rows = append(a.rows, indexedRow{index: cells[ri].Int64(), cells: row})
		n--
	}
	if n != 0 {
		return tabular.Table{}, false, fmt.Errorf("%s: key %q: %d rows missing from the last put", path, key, n)
	}
	return a.table(), true, nil
}

// addColumns merges cols into the assembly and maps each assembly column to
// its frame column, -1 when the frame does not have it.
func (a *assembly) addColumns(path string, frame *tabular.Frame, cols []tabular.Column) ([]int, error) {
	for _, c := range cols {
		i := slices.IndexFunc(a.columns, func(x tabular.Column) bool { return x.Name == c.Name })
		if i < 0 {
			a.columns = append(a.columns, c)
			continue
		}
		a.columns[i].Kind = tabular.Widen(a.columns[i].Kind, c.Kind)
	}
	idx := make([]int, len(a.columns))
	for j, c := range a.columns {
		idx[j] = -1
		if !slices.ContainsFunc(cols, func(x tabular.Column) bool { return x.Name == c.Name }) {
			continue
		}
		for fi, fc := range frame.Columns {
			if fc.Name == c.Name {
				if fc.Kind != c.Kind && tabular.Widen(fc.Kind, c.Kind) != c.Kind {
					return nil, fmt.Errorf("%s: column %q is %s, want %s", path, c.Name, fc.Kind, c.Kind)
				}
				idx[j] = fi
				break
			}
		}
	}
	return idx, nil
}

func (a *assembly) table() tabular.Table {
	slices.SortStableFunc(a.rows, func(x, y indexedRow) int { return cmp.Compare(x.index, y.index) })
	t := tabular.Table{Columns: a.columns, Rows: make([][]tabular.Value, len(a.rows))}
	for i, r := range a.rows {
		row := make([]tabular.Value, len(a.columns))
		for j, v := range r.cells {
			row[j] = tabular.Coerce(v, a.columns[j].Kind)
		}
		t.Rows[i] = row
	}
	return t
}

func readObjects(ctx context.Context, root string, match func(string) bool) ([]Object, error) {
	paths, err := shards(root, objectsDir)
	if err != nil {
		return nil, err
	}
	var out []Object
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := readShard(p)
		if err != nil {
			return nil, err
		}
		var idx [4]int
		for i, c := range objectColumns {
			if idx[i], err = columnIndex(frame, p, c.Name, c.Kind); err != nil {
				return nil, err
			}
		}
		for _, cells := range frame.Rows {
			key := cells[idx[0]].String()
			if !match(key) {
				continue
			}
			v, err := tabular.UnmarshalObject(cells[idx[3]].String())
			if err != nil {
				return nil, fmt.Errorf("%s: key %q: %w", p, key, err)
			}
			out = append(out, Object{Key: key, Kind: cells[idx[1]].String(), TS: fromSeconds(cells[idx[2]].Float64()), Value: v})
		}
	}
	slices.SortStableFunc(out, func(x, y Object) int { return x.TS.Compare(y.TS) })
	return out, nil
}
