// Package shardstore is the sharded append backend: a multi-writer,
// lock-free log of Parquet shards plus the reader that reassembles it.
//
// Layout under the store root:
//
//	tables/writer=<id>/shard-000001.parquet   columns (key, row, ...table columns)
//	objects/writer=<id>/shard-000001.parquet  columns (key, kind, ts, json)
//
// Every writer owns its writer=<id> directories, so writers never share a
// file. Shards are written under a temporary name and renamed into place;
// the reader only globs final names and never sees a partial shard.
package shardstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/metascribe/internal/atomicfile"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/tabular"
)

const (
	tablesDir  = "tables"
	objectsDir = "objects"
	shardGlob  = "shard-*.parquet"

	// Bookkeeping columns of table shards.
	keyColumn = "key"
	rowColumn = "row"

	// DefaultObjectKind is the kind PutObject records when none is given.
	DefaultObjectKind = "json"
	// StringKind is the kind of values written by Store.PutString.
	StringKind = "string"
)

var errClosed = errors.New("writer is closed")

// objectColumns are the columns of object shards, in file order.
var objectColumns = []tabular.Column{
	{Name: "key", Kind: tabular.KindText},
	{Name: "kind", Kind: tabular.KindText},
	{Name: "ts", Kind: tabular.KindReal},
	{Name: "json", Kind: tabular.KindText},
}

// NewWriterID returns a writer identity unique across hosts and processes:
// <UTC time>-<host>-<pid>-<random>.
func NewWriterID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host = strings.NewReplacer("/", "_", "\\", "_", "=", "_").Replace(host)
	return fmt.Sprintf("%s-%s-%d-%s", time.Now().UTC().Format("20060102T150405"), host, os.Getpid(), ksid.NewID())
}

func checkWriterID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid writer id %q", id)
	}
	return nil
}

// Writer appends tables and objects to its own shards. It is safe for
// concurrent use.
type Writer struct {
	root       string
	id         string
	tablesDir  string
	objectsDir string
	tableRows  int
	objectRows int

	mu       sync.Mutex
	closed   bool
	tables   tableBuffer
	objects  [][]tabular.Value
	tableSeq int
	objSeq   int
}

// NewWriter creates the writer's directories under root. Options supplies the
// writer identity and the flush thresholds; zero values select defaults.
func NewWriter(ctx context.Context, root string, opts *store.Options) (*Writer, error) {
	if opts == nil {
		opts = &store.Options{}
	}
	id := opts.WriterID
	if id == "" {
		id = NewWriterID()
	}
	if err := checkWriterID(id); err != nil {
		return nil, err
	}
	w := &Writer{
		root:       root,
		id:         id,
		tablesDir:  filepath.Join(root, tablesDir, "writer="+id),
		objectsDir: filepath.Join(root, objectsDir, "writer="+id),
		tableRows:  opts.TableShardRows,
		objectRows: opts.ObjectShardRows,
	}
	if w.tableRows <= 0 {
		w.tableRows = store.DefaultTableShardRows
	}
	if w.objectRows <= 0 {
		w.objectRows = store.DefaultObjectShardRows
	}
	var err error
	for _, dir := range []string{w.tablesDir, w.objectsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	// A reused identity continues after its last shard.
	if w.tableSeq, err = lastShard(w.tablesDir); err != nil {
		return nil, err
	}
	if w.objSeq, err = lastShard(w.objectsDir); err != nil {
		return nil, err
	}
	w.tableSeq++
	w.objSeq++
	slog.DebugContext(ctx, "Opened shard writer", "root", root, "writer", id)
	return w, nil
}

// lastShard returns the highest shard number in dir, 0 when empty.
func lastShard(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, shardGlob))
	if err != nil {
		return 0, err
	}
	last := 0
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "shard-"), ".parquet"))
		if err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

// ID returns the writer identity.
func (w *Writer) ID() string {
	return w.id
}

// Root returns the store root.
func (w *Writer) Root() string {
	return w.root
}

// AddTable appends the rows of t under key, each tagged with its index in t.
// Reaching the table threshold flushes.
func (w *Writer) AddTable(ctx context.Context, key string, t tabular.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, c := range t.Columns {
		if c.Name == keyColumn || c.Name == rowColumn {
			return fmt.Errorf("column name %q is reserved", c.Name)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed
	}
	if !w.tables.fits(t.Columns) {
		// One shard holds one type per column name.
		if err := w.flushTablesLocked(ctx); err != nil {
			return err
		}
	}
	w.tables.add(key, t)
	if w.tables.len() >= w.tableRows {
		return w.flushTablesLocked(ctx)
	}
	return nil
}

// PutObject appends v, serialized to canonical JSON, under key. An empty kind
// is DefaultObjectKind, a zero ts is now. Reaching the object threshold
// flushes.
//
// ts is stored as float64 seconds since the epoch, which resolves about 240ns
// at current dates. Objects put closer together than that read back with
// equal timestamps and keep shard order: writer identity, then write order.
func (w *Writer) PutObject(ctx context.Context, key string, v any, kind string, ts time.Time) error {
	raw, err := tabular.MarshalObject(v)
	if err != nil {
		return err
	}
	if kind == "" {
		kind = DefaultObjectKind
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed
	}
	w.objects = append(w.objects, []tabular.Value{
		tabular.Text(key), tabular.Text(kind), tabular.Real(toSeconds(ts)), tabular.Text(raw),
	})
	if len(w.objects) >= w.objectRows {
		return w.flushObjectsLocked(ctx)
	}
	return nil
}

// FlushTables writes buffered table rows to a new shard. It does nothing when
// the buffer is empty.
func (w *Writer) FlushTables(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushTablesLocked(ctx)
}

// FlushObjects writes buffered objects to a new shard. It does nothing when
// the buffer is empty.
func (w *Writer) FlushObjects(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushObjectsLocked(ctx)
}

// flushKey flushes the domains whose buffers hold data under key.
func (w *Writer) flushKey(ctx context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.tables.holds(key) {
		errs = append(errs, w.flushTablesLocked(ctx))
	}
	if slices.ContainsFunc(w.objects, func(row []tabular.Value) bool { return row[0].String() == key }) {
		errs = append(errs, w.flushObjectsLocked(ctx))
	}
	return errors.Join(errs...)
}

// Close flushes both domains. Later calls do nothing.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.flushTablesLocked(ctx), w.flushObjectsLocked(ctx))
}

func (w *Writer) flushTablesLocked(ctx context.Context) error {
	// A buffer of empty tables still holds segments and is written.
	if len(w.tables.segments) == 0 {
		return nil
	}
	frame, err := w.tables.frame()
	if err != nil {
		return err
	}
	if err := w.publish(ctx, w.tablesDir, w.tableSeq, frame); err != nil {
		return err
	}
	w.tables = tableBuffer{}
	w.tableSeq++
	return nil
}

func (w *Writer) flushObjectsLocked(ctx context.Context) error {
	if len(w.objects) == 0 {
		return nil
	}
	frame := &tabular.Frame{
		Columns:  objectColumns,
		Required: map[string]bool{"key": true, "kind": true, "ts": true, "json": true},
		Rows:     w.objects,
	}
	if err := w.publish(ctx, w.objectsDir, w.objSeq, frame); err != nil {
		return err
	}
	w.objects = nil
	w.objSeq++
	return nil
}

// publish writes frame as shard seq of dir: first under a temporary name,
// then renamed.
func (w *Writer) publish(ctx context.Context, dir string, seq int, frame *tabular.Frame) error {
	final := filepath.Join(dir, fmt.Sprintf("shard-%06d.parquet", seq))
	tmp := fmt.Sprintf("%s.tmp-%d", final, os.Getpid())
	start := time.Now()
	if err := atomicfile.Write(tmp, final, func(out io.Writer) error {
		return tabular.WriteFrame(out, frame)
	}); err != nil {
		return fmt.Errorf("failed to write shard %s: %w", final, err)
	}
	slog.DebugContext(ctx, "Wrote shard", "path", final, "rows", len(frame.Rows), "dur", time.Since(start).Round(time.Millisecond))
	return nil
}

// toSeconds converts t to fractional seconds since the Unix epoch, the ts
// column encoding.
func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromSeconds(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9))
}
