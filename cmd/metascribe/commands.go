package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/maruel/metascribe/internal/backend"
	"github.com/maruel/metascribe/internal/config"
	"github.com/maruel/metascribe/internal/ingest"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/store/shardstore"
	"github.com/maruel/metascribe/internal/tabular"
	"gopkg.in/yaml.v3"
)

func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: metascribe %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func (e *env) parse(args []string) error {
	fs := newFlagSet("parse", "<template> <file>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("parse takes a template and a file")
	}
	fields, err := ingest.Fields(&ingest.Request{TemplatePath: fs.Arg(0), TargetPath: fs.Arg(1)})
	if err != nil {
		return err
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(e.stdout, "%s: %s\n", f.Name, f.Value); err != nil {
			return err
		}
	}
	return nil
}

// storeFlags are the flags selecting and opening a store.
type storeFlags struct {
	backend     string
	location    string
	lock        bool
	lockTimeout time.Duration
	forceUnlock bool
	writerID    string
}

func addStoreFlags(fs *flag.FlagSet) *storeFlags {
	f := &storeFlags{}
	fs.StringVar(&f.backend, "backend", "", "Backend: sql, columnar, kv or sharded; default from config")
	fs.StringVar(&f.location, "location", "", "Store location; default from config")
	addLockFlags(fs, f)
	fs.StringVar(&f.writerID, "writer-id", "", "Sharded writer identity; generated when empty")
	return f
}

func addLockFlags(fs *flag.FlagSet, f *storeFlags) {
	fs.BoolVar(&f.lock, "lock", false, "Hold <location>.lock while the store is open")
	fs.DurationVar(&f.lockTimeout, "lock-timeout", 0, "Maximum wait for the lock; default from config")
	fs.BoolVar(&f.forceUnlock, "force-unlock", false, "Remove a stale lock marker first")
}

// options merges the flags explicitly set on fs over the configuration.
func (e *env) options(fs *flag.FlagSet, f *storeFlags) *store.Options {
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	if !set["backend"] {
		f.backend = e.cfg.DefaultBackend
	}
	if !set["location"] {
		f.location = e.cfg.DefaultLocation
	}
	opts := e.cfg.StoreOptions()
	if set["lock"] {
		opts.Lock = f.lock
	}
	if set["lock-timeout"] {
		opts.LockTimeout = f.lockTimeout
	}
	opts.ForceUnlock = f.forceUnlock
	opts.WriterID = f.writerID
	return opts
}

func (e *env) open(ctx context.Context, fs *flag.FlagSet, f *storeFlags) (store.Store, error) {
	opts := e.options(fs, f)
	if f.backend == "" {
		return nil, errors.New("-backend is required")
	}
	kind, err := store.ParseKind(f.backend)
	if err != nil {
		return nil, err
	}
	if f.location == "" {
		return nil, errors.New("-location is required")
	}
	return backend.Open(ctx, kind, f.location, opts)
}

func (e *env) store(ctx context.Context, args []string) error {
	extra, rest, err := ingest.ParseKVArgs(args)
	if err != nil {
		return err
	}
	fs := newFlagSet("store", "[-kv-<name>=<value> ...]")
	req := &ingest.Request{Extra: extra}
	var sqlPath string
	fs.StringVar(&req.Table, "table", ingest.DefaultTable, "Target SQL table")
	fs.StringVar(&sqlPath, "sql-path", "", "SQLite database path or postgres:// URL")
	fs.StringVar(&sqlPath, "sql_path", "", "Alias of -sql-path")
	fs.StringVar(&req.PK, "pk", "", "Primary key column name")
	fs.StringVar(&req.TemplatePath, "template", "", "Path to the template file")
	fs.StringVar(&req.TargetPath, "file", "", "Path to the rendered file")
	f := &storeFlags{}
	addLockFlags(fs, f)
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	opts := e.options(fs, f)
	if sqlPath == "" && f.backend == string(store.KindSQL) {
		sqlPath = f.location
	}
	if sqlPath == "" {
		return errors.New("-sql-path is required")
	}
	return ingest.Store(ctx, sqlPath, opts, req)
}

func (e *env) put(ctx context.Context, args []string) (err error) {
	fs := newFlagSet("put", "")
	f := addStoreFlags(fs)
	key := fs.String("key", "", "Key to write")
	str := fs.String("string", "", "String value")
	obj := fs.String("json", "", "JSON value")
	csvPath := fs.String("csv", "", "CSV file with a header row, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	set := 0
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "string" || fl.Name == "json" || fl.Name == "csv" {
			set++
		}
	})
	if set != 1 {
		return errors.New("exactly one of -string, -json or -csv is required")
	}
	if *key == "" {
		return errors.New("-key is required")
	}
	var v any
	var t tabular.Table
	switch {
	case *obj != "":
		if v, err = tabular.UnmarshalObject(*obj); err != nil {
			return err
		}
	case *csvPath != "":
		if t, err = readCSV(*csvPath); err != nil {
			return err
		}
	}
	s, err := e.open(ctx, fs, f)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := s.Close(); err == nil {
			err = err2
		}
	}()
	switch {
	case *obj != "":
		return s.PutObject(ctx, *key, v)
	case *csvPath != "":
		return s.PutTable(ctx, *key, t)
	default:
		return s.PutString(ctx, *key, *str)
	}
}

func readCSV(path string) (tabular.Table, error) {
	if path == "-" {
		return tabular.ReadCSV(os.Stdin)
	}
	f, err := os.Open(path) //nolint:gosec // G304: path is provided by the CLI user
	if err != nil {
		return tabular.Table{}, err
	}
	defer func() { _ = f.Close() }()
	return tabular.ReadCSV(f)
}

func (e *env) get(ctx context.Context, args []string) (err error) {
	fs := newFlagSet("get", "")
	f := addStoreFlags(fs)
	key := fs.String("key", "", "Key to read")
	as := fs.String("as", "string", "Shape of the value: string, object or table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if *key == "" {
		return errors.New("-key is required")
	}
	if !slices.Contains([]string{"string", "object", "table"}, *as) {
		return fmt.Errorf("-as: unknown shape %q", *as)
	}
	s, err := e.open(ctx, fs, f)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := s.Close(); err == nil {
			err = err2
		}
	}()
	switch *as {
	case "object":
		v, err := s.GetObject(ctx, *key)
		if err != nil {
			return err
		}
		return writeJSON(e.stdout, v)
	case "table":
		t, err := s.GetTable(ctx, *key)
		if err != nil {
			return err
		}
		return tabular.WriteCSV(e.stdout, t)
	default:
		v, err := s.GetString(ctx, *key)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(e.stdout, v)
		return err
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (e *env) read(ctx context.Context, args []string) error {
	fs := newFlagSet("read", "")
	root := fs.String("root", "", "Sharded store root; default from config")
	prefix := fs.String("prefix", "", "Only keys starting with this prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if *root == "" && e.cfg.DefaultBackend == string(store.KindSharded) {
		*root = e.cfg.DefaultLocation
	}
	if *root == "" {
		return errors.New("-root is required")
	}
	tables, objects, err := shardstore.Read(ctx, *root, *prefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(e.stdout, "# %s\n", k); err != nil {
			return err
		}
		if err := tabular.WriteCSV(e.stdout, tables[k]); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetEscapeHTML(false)
	for _, o := range objects {
		line := struct {
			Key   string `json:"key"`
			Kind  string `json:"kind"`
			TS    string `json:"ts"`
			Value any    `json:"value"`
		}{o.Key, o.Kind, o.TS.UTC().Format(time.RFC3339Nano), o.Value}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func (e *env) config(args []string) error {
	fs := newFlagSet("config", "")
	schema := fs.Bool("schema", false, "Print the JSON schema of the configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	var data []byte
	var err error
	if *schema {
		data, err = config.Schema()
	} else {
		data, err = yaml.Marshal(e.cfg)
	}
	if err != nil {
		return err
	}
	_, err = e.stdout.Write(data)
	return err
}
