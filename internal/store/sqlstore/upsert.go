package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/maruel/metascribe/internal/tabular"
)

// Upsert writes one record into table, creating the table on first use.
//
// Column types are derived from the values. Fields naming columns the table
// does not have yet are added as new columns; existing column types are left
// unchanged. With a primary key, a record with the same key is replaced;
// without one, the record is appended. An empty field list is a no-op.
func (s *Store) Upsert(ctx context.Context, table, pk string, fields []tabular.Field) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(fields) == 0 {
		slog.WarnContext(ctx, "Nothing to store", "table", table)
		return nil
	}
	if err := checkName(table); err != nil {
		return err
	}
	cols := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, f := range fields {
		if err := checkName(f.Name); err != nil {
			return fmt.Errorf("column: %w", err)
		}
		if slices.ContainsFunc(cols[:i], func(c string) bool { return s.d.sameName(c, f.Name) }) {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidName, f.Name)
		}
		cols[i] = f.Name
		args[i] = f.Value.Any()
	}
	if pk != "" && !slices.Contains(cols, pk) {
		return fmt.Errorf("primary key %q is not one of the fields", pk)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTable(ctx, tx, table, pk, fields); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.d.insert(table, pk, cols), args...); err != nil {
			return fmt.Errorf("failed to store into %s: %w", table, err)
		}
		return nil
	})
}

// ensureTable creates table, or adds the columns it lacks.
func (s *Store) ensureTable(ctx context.Context, tx *sql.Tx, table, pk string, fields []tabular.Field) error {
	existing, err := s.columns(ctx, tx, table)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		defs := make([]string, len(fields))
		for i, f := range fields {
			defs[i] = quote(f.Name) + " " + sqlType(s.d, f.Value.Kind())
			if f.Name == pk {
				defs[i] += " PRIMARY KEY"
			}
		}
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quote(table), strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
		return nil
	}
	for _, f := range fields {
		if slices.ContainsFunc(existing, func(c string) bool { return s.d.sameName(c, f.Name) }) {
			continue
		}
		q := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quote(table), quote(f.Name), sqlType(s.d, f.Value.Kind()))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, f.Name, err)
		}
		slog.InfoContext(ctx, "Added column", "table", table, "column", f.Name)
	}
	return nil
}
