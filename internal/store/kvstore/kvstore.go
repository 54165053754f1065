// Package kvstore is the embedded key/value backend, a Badger database keyed
// by hierarchical path.
//
// Each value is one shape byte followed by the payload: a Parquet file for
// tables, canonical JSON for objects, raw UTF-8 for strings.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/maruel/metascribe/internal/lock"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/tabular"
)

const (
	tagTable  byte = 't'
	tagObject byte = 'o'
	tagString byte = 's'
)

func tagOf(s store.Shape) byte {
	switch s {
	case store.ShapeTable:
		return tagTable
	case store.ShapeObject:
		return tagObject
	default:
		return tagString
	}
}

func shapeOf(tag byte) (store.Shape, error) {
	switch tag {
	case tagTable:
		return store.ShapeTable, nil
	case tagObject:
		return store.ShapeObject, nil
	case tagString:
		return store.ShapeString, nil
	default:
		return "", fmt.Errorf("unknown value tag %q", tag)
	}
}

// Store is an open Badger database.
type Store struct {
	db   *badger.DB
	lock *lock.Lock

	mu     sync.Mutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database in directory dir. The parent directory
// is created when missing.
func Open(ctx context.Context, dir string, opts *store.Options) (*Store, error) {
	if opts == nil {
		opts = &store.Options{}
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, &store.OpenError{Kind: store.KindKV, Location: dir, Err: err}
	}
	db, l, err := store.OpenLocked(ctx, store.KindKV, dir, opts, func() (*badger.DB, error) {
		bo := badger.DefaultOptions(dir).
			WithLogger(&logger{ctx: ctx}).
			WithSyncWrites(true)
		return badger.Open(bo)
	})
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "Opened kv store", "dir", dir)
	return &Store{db: db, lock: l}, nil
}

// Close closes the database, then releases the lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return store.Release(s.db.Close(), s.lock)
}

func (s *Store) check(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	return nil
}

func (s *Store) put(key string, shape store.Shape, payload []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	v := make([]byte, 0, len(payload)+1)
	v = append(v, tagOf(shape))
	v = append(v, payload...)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), v)
	}); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string, want store.Shape) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	var v []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%q: empty value", key)
	}
	got, err := shapeOf(v[0])
	if err != nil {
		return nil, fmt.Errorf("%q: %w", key, err)
	}
	if got != want {
		return nil, store.Mismatch(key, got, want)
	}
	return v[1:], nil
}

// PutTable stores t as a Parquet file.
func (s *Store) PutTable(_ context.Context, key string, t tabular.Table) error {
	var buf bytes.Buffer
	if err := tabular.EncodeTable(&buf, t, nil); err != nil {
		return err
	}
	return s.put(key, store.ShapeTable, buf.Bytes())
}

// GetTable reads a table.
func (s *Store) GetTable(_ context.Context, key string) (tabular.Table, error) {
	raw, err := s.get(key, store.ShapeTable)
	if err != nil {
		return tabular.Table{}, err
	}
	t, _, err := tabular.DecodeTable(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return tabular.Table{}, fmt.Errorf("%q: %w", key, err)
	}
	return t, nil
}

// PutObject stores v as canonical JSON.
func (s *Store) PutObject(_ context.Context, key string, v any) error {
	raw, err := tabular.MarshalObject(v)
	if err != nil {
		return err
	}
	return s.put(key, store.ShapeObject, []byte(raw))
}

// GetObject reads an object.
func (s *Store) GetObject(_ context.Context, key string) (any, error) {
	raw, err := s.get(key, store.ShapeObject)
	if err != nil {
		return nil, err
	}
	return tabular.UnmarshalObject(string(raw))
}

// PutString stores v.
func (s *Store) PutString(_ context.Context, key, v string) error {
	return s.put(key, store.ShapeString, []byte(v))
}

// GetString reads a string.
func (s *Store) GetString(_ context.Context, key string) (string, error) {
	raw, err := s.get(key, store.ShapeString)
	return string(raw), err
}

// Keys lists the keys starting with prefix, in order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		iopt := badger.DefaultIteratorOptions
		iopt.PrefetchValues = false
		iopt.Prefix = []byte(prefix)
		it := txn.NewIterator(iopt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

// logger routes Badger's logging to slog. Badger is chatty at info level, so
// info is demoted to debug.
type logger struct {
	ctx context.Context
}

func (l *logger) Errorf(format string, args ...any) {
	slog.ErrorContext(l.ctx, "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *logger) Warningf(format string, args ...any) {
	slog.WarnContext(l.ctx, "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *logger) Infof(format string, args ...any) {
	slog.DebugContext(l.ctx, "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *logger) Debugf(format string, args ...any) {
	slog.DebugContext(l.ctx, "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)))
}
