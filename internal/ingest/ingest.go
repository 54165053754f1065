// Package ingest records the metadata of one job: values extracted from a
// rendered document plus caller supplied pairs, upserted as one row of a
// relational table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maruel/metascribe/internal/pattern"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/store/sqlstore"
	"github.com/maruel/metascribe/internal/tabular"
)

// DefaultTable is the table written when none is given.
const DefaultTable = "job_metadata"

var errNoKVName = errors.New("key/value argument has no name")

// Request describes one record to store.
type Request struct {
	// TemplatePath and TargetPath are both set or both empty. When set, the
	// template's placeholders are extracted from the target as text values.
	TemplatePath string
	TargetPath   string
	// Table receives the record. PK, when set, replaces an existing record
	// with the same value.
	Table string
	PK    string
	// Extra pairs are stored after the extracted values and win over them.
	Extra []tabular.Field
}

// Fields returns the record of req: extracted values in template order, then
// the extra pairs.
func Fields(req *Request) ([]tabular.Field, error) {
	var fields []tabular.Field
	switch {
	case req.TemplatePath != "" && req.TargetPath != "":
		t, res, err := pattern.ExtractFile(req.TemplatePath, req.TargetPath)
		if err != nil {
			return nil, err
		}
		for _, name := range t.Names() {
			fields = append(fields, tabular.Field{Name: name, Value: tabular.Text(res[name])})
		}
	case req.TemplatePath != "" || req.TargetPath != "":
		return nil, errors.New("a template and a file are both required to extract values")
	}
	return merge(fields, req.Extra), nil
}

// merge appends extra to fields. A name already present keeps its position
// and takes the later value.
func merge(fields, extra []tabular.Field) []tabular.Field {
	index := make(map[string]int, len(fields)+len(extra))
	for i, f := range fields {
		index[f.Name] = i
	}
	for _, f := range extra {
		if i, ok := index[f.Name]; ok {
			if !fields[i].Value.Equal(f.Value) {
				slog.Warn("Overriding value", "name", f.Name, "old", fields[i].Value.String(), "new", f.Value.String())
			}
			fields[i] = f
			continue
		}
		index[f.Name] = len(fields)
		fields = append(fields, f)
	}
	return fields
}

// Store extracts req's record and upserts it into the relational store at
// location.
func Store(ctx context.Context, location string, opts *store.Options, req *Request) (err error) {
	table := req.Table
	if table == "" {
		table = DefaultTable
	}
	fields, err := Fields(req)
	if err != nil {
		return err
	}
	s, err := sqlstore.Open(ctx, location, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := s.Close(); err == nil {
			err = err2
		}
	}()
	if err := s.Upsert(ctx, table, req.PK, fields); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Stored record", "table", table, "fields", len(fields))
	return nil
}

// ParseKVArgs removes the key/value arguments from args and returns them as
// fields, with the remaining arguments in order.
//
// A key/value argument is "--kv_<name>=<value>" or "-kv-<name>=<value>" (one
// or two dashes, underscore or dash after kv). Values are trimmed; integer
// and real looking values become numbers. A repeated name keeps its last
// value.
func ParseKVArgs(args []string) ([]tabular.Field, []string, error) {
	var fields []tabular.Field
	var rest []string
	for _, a := range args {
		body, ok := kvBody(a)
		if !ok {
			rest = append(rest, a)
			continue
		}
		name, val, ok := strings.Cut(body, "=")
		if !ok {
			return nil, nil, fmt.Errorf("%q: missing =<value>", a)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, nil, fmt.Errorf("%q: %w", a, errNoKVName)
		}
		fields = merge(fields, []tabular.Field{{Name: name, Value: tabular.Parse(strings.TrimSpace(val))}})
	}
	return fields, rest, nil
}

func kvBody(arg string) (string, bool) {
	s, ok := strings.CutPrefix(arg, "-")
	if !ok {
		return "", false
	}
	s = strings.TrimPrefix(s, "-")
	for _, p := range []string{"kv_", "kv-"} {
		if body, ok := strings.CutPrefix(s, p); ok {
			return body, true
		}
	}
	return "", false
}
