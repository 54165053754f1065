package shardstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/tabular"
)

// Store exposes a Writer through the store.Store contract.
//
// Puts append. A get first flushes the buffers of this writer that hold data
// under the requested key, so a handle reads its own writes; gets of other
// keys write no shard. It then scans the committed shards for the exact key
// and returns the most recent value. For tables that is the last put in
// writer, shard and put order; for objects and strings the latest timestamp.
// Strings are objects of kind "string". Read returns the full history.
type Store struct {
	w *Writer
}

var _ store.Store = (*Store)(nil)

// Open starts a new writer session under root. Sharded stores are never
// locked; each session writes to its own directories.
func Open(ctx context.Context, root string, opts *store.Options) (*Store, error) {
	if opts != nil && opts.Lock {
		slog.DebugContext(ctx, "Sharded store ignores locking", "root", root)
	}
	w, err := NewWriter(ctx, root, opts)
	if err != nil {
		return nil, &store.OpenError{Kind: store.KindSharded, Location: root, Err: err}
	}
	return &Store{w: w}, nil
}

// Writer returns the underlying writer.
func (s *Store) Writer() *Writer {
	return s.w
}

// Close flushes and closes the writer.
func (s *Store) Close() error {
	return s.w.Close(context.Background())
}

// PutTable appends t under key.
func (s *Store) PutTable(ctx context.Context, key string, t tabular.Table) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.closedErr(s.w.AddTable(ctx, key, t))
}

// GetTable returns the table of the last put under key.
func (s *Store) GetTable(ctx context.Context, key string) (tabular.Table, error) {
	if err := s.sync(ctx, key); err != nil {
		return tabular.Table{}, err
	}
	t, ok, err := latestTable(ctx, s.w.root, key)
	if err != nil {
		return tabular.Table{}, err
	}
	if ok {
		return t, nil
	}
	objects, err := readObjects(ctx, s.w.root, func(k string) bool { return k == key })
	if err != nil {
		return tabular.Table{}, err
	}
	if len(objects) != 0 {
		return tabular.Table{}, store.Mismatch(key, shapeOf(objects[len(objects)-1]), store.ShapeTable)
	}
	return tabular.Table{}, store.NotFound(key)
}

// PutObject appends v under key, timestamped now.
func (s *Store) PutObject(ctx context.Context, key string, v any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.closedErr(s.w.PutObject(ctx, key, v, DefaultObjectKind, time.Time{}))
}

// GetObject returns the latest object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (any, error) {
	o, err := s.latest(ctx, key, store.ShapeObject)
	if err != nil {
		return nil, err
	}
	return o.Value, nil
}

// PutString appends v under key, timestamped now.
func (s *Store) PutString(ctx context.Context, key, v string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.closedErr(s.w.PutObject(ctx, key, v, StringKind, time.Time{}))
}

// GetString returns the latest string stored under key.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	o, err := s.latest(ctx, key, store.ShapeString)
	if err != nil {
		return "", err
	}
	v, ok := o.Value.(string)
	if !ok {
		return "", fmt.Errorf("%q: string value decoded as %T", key, o.Value)
	}
	return v, nil
}

func (s *Store) latest(ctx context.Context, key string, want store.Shape) (Object, error) {
	if err := s.sync(ctx, key); err != nil {
		return Object{}, err
	}
	exact := func(k string) bool { return k == key }
	objects, err := readObjects(ctx, s.w.root, exact)
	if err != nil {
		return Object{}, err
	}
	if len(objects) == 0 {
		_, ok, err := latestTable(ctx, s.w.root, key)
		if err != nil {
			return Object{}, err
		}
		if ok {
			return Object{}, store.Mismatch(key, store.ShapeTable, want)
		}
		return Object{}, store.NotFound(key)
	}
	// Sorted by time; ties keep write order, so the last one is the latest.
	o := objects[len(objects)-1]
	if got := shapeOf(o); got != want {
		return Object{}, store.Mismatch(key, got, want)
	}
	return o, nil
}

// sync makes this writer's buffered data under key visible to the reader.
func (s *Store) sync(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.closedErr(s.w.flushKey(ctx, key))
}

func (s *Store) closedErr(err error) error {
	s.w.mu.Lock()
	closed := s.w.closed
	s.w.mu.Unlock()
	if closed {
		return store.ErrClosed
	}
	return err
}

func shapeOf(o Object) store.Shape {
	if o.Kind == StringKind {
		return store.ShapeString
	}
	return store.ShapeObject
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	return nil
}
