// Package sqlstore is the relational backend: SQLite files by default,
// PostgreSQL when the location is a postgres:// URL.
//
// Upsert stores flat records into tables whose schema grows with the data.
// The store.Store contract maps tables to relational tables named by their
// key, and objects and strings to rows of a metascribe_kv table.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" driver.
	"github.com/maruel/metascribe/internal/lock"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/tabular"
	_ "modernc.org/sqlite" // Registers the "sqlite" driver.
)

// Store is an open relational database.
type Store struct {
	db       *sql.DB
	d        dialect
	location string
	lock     *lock.Lock

	mu     sync.Mutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at location. File locations are guarded
// by a lock when opts.Lock is set; server locations never are.
func Open(ctx context.Context, location string, opts *store.Options) (*Store, error) {
	if opts == nil {
		opts = &store.Options{}
	}
	d := dialectFor(location)
	dsn := location
	if d.postgres {
		if opts.Lock {
			slog.DebugContext(ctx, "Not locking a database server", "backend", d.name)
			o := *opts
			o.Lock = false
			opts = &o
		}
	} else if dir := filepath.Dir(location); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &store.OpenError{Kind: store.KindSQL, Location: location, Err: err}
		}
	}
	db, l, err := store.OpenLocked(ctx, store.KindSQL, location, opts, func() (*sql.DB, error) {
		return openDB(ctx, d, dsn)
	})
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "Opened relational store", "backend", d.name, "location", redact(location))
	return &Store{db: db, d: d, location: location, lock: l}, nil
}

func openDB(ctx context.Context, d dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	if !d.postgres {
		// One writer at a time; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("key" TEXT PRIMARY KEY, "kind" TEXT NOT NULL, "value" TEXT NOT NULL)`, kvTable)
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create %s: %w", kvTable, err), db.Close())
	}
	return db, nil
}

// redact hides the password of a server URL.
func redact(location string) string {
	if dialectFor(location).postgres {
		if u, err := url.Parse(location); err == nil {
			return u.Redacted()
		}
	}
	return location
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

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// DB returns the underlying handle, for queries the contract does not cover.
func (s *Store) DB() *sql.DB {
	return s.db
}

// columns returns the column names of table in declaration order; none when
// the table does not exist.
func (s *Store) columns(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.d.columnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// isTable reports whether key names an existing relational table.
func (s *Store) isTable(ctx context.Context, q querier, key string) (bool, error) {
	if checkName(key) != nil {
		return false, nil
	}
	cols, err := s.columns(ctx, q, key)
	return len(cols) != 0, err
}

// kvShape returns the shape stored under key in metascribe_kv, or "" when
// absent.
func (s *Store) kvShape(ctx context.Context, q querier, key string) (store.Shape, string, error) {
	var kind, value string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT "kind", "value" FROM %s WHERE "key" = %s`, kvTable, s.d.bind(1)), key).Scan(&kind, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return store.Shape(kind), value, nil
}

// PutTable replaces the table named key with t, in insertion order.
func (s *Store) PutTable(ctx context.Context, key string, t tabular.Table) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := checkName(key); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	cols := []string{rowColumn}
	defs := []string{quote(rowColumn) + " " + sqlType(s.d, tabular.KindInteger)}
	for _, c := range t.Columns {
		if err := checkName(c.Name); err != nil {
			return fmt.Errorf("column: %w", err)
		}
		cols = append(cols, c.Name)
		defs = append(defs, quote(c.Name)+" "+sqlType(s.d, c.Kind))
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "key" = %s`, kvTable, s.d.bind(1)), key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(key)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, quote(key), strings.Join(defs, ", "))); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, s.d.insert(key, "", cols))
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		args := make([]any, len(cols))
		for i, row := range t.Rows {
			args[0] = int64(i)
			for j, v := range row {
				args[j+1] = v.Any()
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
}

// GetTable reads the relational table named key.
func (s *Store) GetTable(ctx context.Context, key string) (tabular.Table, error) {
	if err := s.check(); err != nil {
		return tabular.Table{}, err
	}
	shape, _, err := s.kvShape(ctx, s.db, key)
	if err != nil {
		return tabular.Table{}, err
	}
	if shape != "" {
		return tabular.Table{}, store.Mismatch(key, shape, store.ShapeTable)
	}
	if err := checkName(key); err != nil {
		return tabular.Table{}, err
	}
	names, err := s.columns(ctx, s.db, key)
	if err != nil {
		return tabular.Table{}, err
	}
	if len(names) == 0 {
		return tabular.Table{}, store.NotFound(key)
	}
	order := ""
	switch {
	case slices.Contains(names, rowColumn):
		order = " ORDER BY " + quote(rowColumn)
		names = slices.DeleteFunc(names, func(n string) bool { return n == rowColumn })
	case !s.d.postgres:
		order = " ORDER BY rowid"
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s%s`, strings.Join(quoted, ", "), quote(key), order))
	if err != nil {
		return tabular.Table{}, fmt.Errorf("failed to read table %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()
	types, err := rows.ColumnTypes()
	if err != nil {
		return tabular.Table{}, err
	}
	t := tabular.Table{Columns: make([]tabular.Column, len(names))}
	for i, n := range names {
		t.Columns[i] = tabular.Column{Name: n, Kind: kindOf(types[i].DatabaseTypeName())}
	}
	raw := make([]any, len(names))
	dest := make([]any, len(names))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return tabular.Table{}, err
		}
		row := make([]tabular.Value, len(raw))
		for i, x := range raw {
			row[i] = fromSQL(x)
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return tabular.Table{}, err
	}
	settleKinds(&t)
	return t, nil
}

// fromSQL converts a scanned driver value.
func fromSQL(x any) tabular.Value {
	switch v := x.(type) {
	case []byte:
		return tabular.Text(string(v))
	case time.Time:
		return tabular.Text(v.Format(time.RFC3339Nano))
	case bool:
		if v {
			return tabular.Int(1)
		}
		return tabular.Int(0)
	default:
		return tabular.Infer(v)
	}
}

// settleKinds coerces cells to their column kind. SQLite does not enforce
// column types, so a column holding values its declared type cannot
// represent is widened.
func settleKinds(t *tabular.Table) {
	for j := range t.Columns {
		k := t.Columns[j].Kind
		for _, row := range t.Rows {
			if v := row[j]; !v.IsNull() && tabular.Coerce(v, k).Kind() != k {
				k = tabular.Widen(k, v.Kind())
			}
		}
		t.Columns[j].Kind = k
		for _, row := range t.Rows {
			row[j] = tabular.Coerce(row[j], k)
		}
	}
}

// PutObject stores v as canonical JSON.
func (s *Store) PutObject(ctx context.Context, key string, v any) error {
	raw, err := tabular.MarshalObject(v)
	if err != nil {
		return err
	}
	return s.putKV(ctx, key, store.ShapeObject, raw)
}

// GetObject reads an object.
func (s *Store) GetObject(ctx context.Context, key string) (any, error) {
	raw, err := s.getKV(ctx, key, store.ShapeObject)
	if err != nil {
		return nil, err
	}
	return tabular.UnmarshalObject(raw)
}

// PutString stores a string.
func (s *Store) PutString(ctx context.Context, key, v string) error {
	return s.putKV(ctx, key, store.ShapeString, v)
}

// GetString reads a string.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	return s.getKV(ctx, key, store.ShapeString)
}

func (s *Store) putKV(ctx context.Context, key string, shape store.Shape, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// A relational table is never shadowed.
		if ok, err := s.isTable(ctx, tx, key); err != nil {
			return err
		} else if ok {
			return store.Mismatch(key, store.ShapeTable, shape)
		}
		_, err := tx.ExecContext(ctx, s.d.upsertKV(), key, string(shape), value)
		return err
	})
}

func (s *Store) getKV(ctx context.Context, key string, want store.Shape) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	shape, value, err := s.kvShape(ctx, s.db, key)
	if err != nil {
		return "", err
	}
	switch shape {
	case want:
		return value, nil
	case "":
		if ok, err := s.isTable(ctx, s.db, key); err != nil {
			return "", err
		} else if ok {
			return "", store.Mismatch(key, store.ShapeTable, want)
		}
		return "", store.NotFound(key)
	default:
		return "", store.Mismatch(key, shape, want)
	}
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
