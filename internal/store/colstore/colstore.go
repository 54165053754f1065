// Package colstore is the hierarchical columnar backend: every key is a
// Parquet file under a root directory, /a/b/c stored as <root>/a/b/c.parquet.
//
// Files are published atomically. Objects and strings are stored as a single
// row "value" column; the file's metadata records which shape it holds.
package colstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/metascribe/internal/atomicfile"
	"github.com/maruel/metascribe/internal/lock"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/tabular"
)

// ShapeKey is the Parquet metadata entry holding the stored shape.
const ShapeKey = "metascribe.kind"

const ext = ".parquet"

var valueColumn = []tabular.Column{{Name: "value", Kind: tabular.KindText}}

// Store is an open columnar directory.
type Store struct {
	root string
	lock *lock.Lock

	mu     sync.Mutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the directory root.
func Open(ctx context.Context, root string, opts *store.Options) (*Store, error) {
	if opts == nil {
		opts = &store.Options{}
	}
	root = filepath.Clean(root)
	s, l, err := store.OpenLocked(ctx, store.KindColumnar, root, opts, func() (*Store, error) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		fi, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", root)
		}
		return &Store{root: root}, nil
	})
	if err != nil {
		return nil, err
	}
	s.lock = l
	slog.DebugContext(ctx, "Opened columnar store", "root", root)
	return s, nil
}

// Close releases the lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return store.Release(nil, s.lock)
}

// Path returns the file backing key.
func (s *Store) Path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if strings.Trim(key, "/") == "" || clean == "/" {
		return "", fmt.Errorf("%w: %q", store.ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])+ext), nil
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) put(key string, shape store.Shape, t tabular.Table) error {
	if err := s.check(); err != nil {
		return err
	}
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(p, func(w io.Writer) error {
		return tabular.EncodeTable(w, t, map[string]string{ShapeKey: string(shape)})
	})
}

func (s *Store) get(key string, want store.Shape) (tabular.Table, error) {
	if err := s.check(); err != nil {
		return tabular.Table{}, err
	}
	p, err := s.Path(key)
	if err != nil {
		return tabular.Table{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return tabular.Table{}, store.NotFound(key)
	}
	if err != nil {
		return tabular.Table{}, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return tabular.Table{}, err
	}
	t, meta, err := tabular.DecodeTable(f, fi.Size(), ShapeKey)
	if err != nil {
		return tabular.Table{}, fmt.Errorf("%s: %w", p, err)
	}
	got := store.Shape(meta[ShapeKey])
	if got == "" {
		// Files written by other tools are tables.
		got = store.ShapeTable
	}
	if got != want {
		return tabular.Table{}, store.Mismatch(key, got, want)
	}
	return t, nil
}

// PutTable writes t to key.
func (s *Store) PutTable(_ context.Context, key string, t tabular.Table) error {
	return s.put(key, store.ShapeTable, t)
}

// GetTable reads the table at key.
func (s *Store) GetTable(_ context.Context, key string) (tabular.Table, error) {
	return s.get(key, store.ShapeTable)
}

// PutObject writes v to key as canonical JSON.
func (s *Store) PutObject(_ context.Context, key string, v any) error {
	raw, err := tabular.MarshalObject(v)
	if err != nil {
		return err
	}
	return s.put(key, store.ShapeObject, scalar(raw))
}

// GetObject reads the object at key.
func (s *Store) GetObject(_ context.Context, key string) (any, error) {
	t, err := s.get(key, store.ShapeObject)
	if err != nil {
		return nil, err
	}
	raw, err := unscalar(key, t)
	if err != nil {
		return nil, err
	}
	return tabular.UnmarshalObject(raw)
}

// PutString writes v to key.
func (s *Store) PutString(_ context.Context, key, v string) error {
	return s.put(key, store.ShapeString, scalar(v))
}

// GetString reads the string at key.
func (s *Store) GetString(_ context.Context, key string) (string, error) {
	t, err := s.get(key, store.ShapeString)
	if err != nil {
		return "", err
	}
	return unscalar(key, t)
}

// Keys lists the keys under prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ext) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := "/" + filepath.ToSlash(strings.TrimSuffix(rel, ext))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	slices.Sort(keys)
	return keys, err
}

func scalar(v string) tabular.Table {
	return tabular.Table{Columns: valueColumn, Rows: [][]tabular.Value{{tabular.Text(v)}}}
}

func unscalar(key string, t tabular.Table) (string, error) {
	if len(t.Columns) != 1 || len(t.Rows) != 1 || t.Rows[0][0].Kind() != tabular.KindText {
		return "", fmt.Errorf("%q: malformed scalar file", key)
	}
	return t.Rows[0][0].String(), nil
}
