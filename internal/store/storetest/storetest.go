// Package storetest verifies that a store.Store honors the backend contract.
package storetest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/tabular"
)

// Config describes the backend under test.
type Config struct {
	// Open opens the store at location, creating it when needed. It is called
	// again with the same location to check persistence.
	Open func(t *testing.T, location string) store.Store
	// TableKey maps a hierarchical key onto a key the backend accepts for
	// tables. Nil keeps keys unchanged.
	TableKey func(key string) string
}

func (c *Config) tableKey(key string) string {
	if c.TableKey == nil {
		return key
	}
	return c.TableKey(key)
}

// SampleTable returns a table mixing every kind, nulls and a column order
// that is not alphabetical.
func SampleTable() tabular.Table {
	t := tabular.NewTable(
		tabular.Column{Name: "job", Kind: tabular.KindText},
		tabular.Column{Name: "nodes", Kind: tabular.KindInteger},
		tabular.Column{Name: "elapsed", Kind: tabular.KindReal},
	)
	for _, r := range [][]any{
		{"MLR2D", 1, 12.5},
		{nil, 16, nil},
		{"ior", -3, 0.25},
	} {
		if err := t.Append(r...); err != nil {
			panic(err)
		}
	}
	return t
}

// Run runs the contract suite. location is a fresh path per subtest.
func Run(t *testing.T, c Config, location func(t *testing.T) string) {
	t.Run("string", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		if err := s.PutString(ctx, "/runs/1/account", "cstao"); err != nil {
			t.Fatalf("PutString failed: %v", err)
		}
		if err := s.PutString(ctx, "/runs/1/account", "hpc"); err != nil {
			t.Fatalf("PutString failed: %v", err)
		}
		got, err := s.GetString(ctx, "/runs/1/account")
		if err != nil {
			t.Fatalf("GetString failed: %v", err)
		}
		if got != "hpc" {
			t.Errorf("GetString() = %q, want %q", got, "hpc")
		}
	})

	t.Run("object", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		in := map[string]any{
			"ntasks":  16,
			"ratio":   0.5,
			"modules": []string{"GCC", "OpenMPI"},
			"partition": map[string]any{
				"name": "debug<1>",
				"qos":  nil,
			},
		}
		if err := s.PutObject(ctx, "/runs/1/meta", in); err != nil {
			t.Fatalf("PutObject failed: %v", err)
		}
		got, err := s.GetObject(ctx, "/runs/1/meta")
		if err != nil {
			t.Fatalf("GetObject failed: %v", err)
		}
		want := map[string]any{
			"ntasks":  json.Number("16"),
			"ratio":   json.Number("0.5"),
			"modules": []any{"GCC", "OpenMPI"},
			"partition": map[string]any{
				"name": "debug<1>",
				"qos":  nil,
			},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("GetObject() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("table", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		key := c.tableKey("/runs/1/steps")
		want := SampleTable()
		if err := s.PutTable(ctx, key, want); err != nil {
			t.Fatalf("PutTable failed: %v", err)
		}
		got, err := s.GetTable(ctx, key)
		if err != nil {
			t.Fatalf("GetTable failed: %v", err)
		}
		if !want.Equal(got) {
			t.Errorf("GetTable() = %+v, want %+v", got, want)
		}
	})

	t.Run("empty table", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		key := c.tableKey("/runs/1/empty")
		want := tabular.NewTable(
			tabular.Column{Name: "job", Kind: tabular.KindText},
			tabular.Column{Name: "nodes", Kind: tabular.KindInteger},
		)
		if err := s.PutTable(ctx, key, want); err != nil {
			t.Fatalf("PutTable failed: %v", err)
		}
		got, err := s.GetTable(ctx, key)
		if err != nil {
			t.Fatalf("GetTable failed: %v", err)
		}
		if !want.Equal(got) {
			t.Errorf("GetTable() = %+v, want %+v", got, want)
		}
	})

	t.Run("table replaced", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		key := c.tableKey("/runs/1/steps")
		if err := s.PutTable(ctx, key, SampleTable()); err != nil {
			t.Fatal(err)
		}
		want := tabular.NewTable(tabular.Column{Name: "step", Kind: tabular.KindText})
		if err := want.Append("srun"); err != nil {
			t.Fatal(err)
		}
		if err := s.PutTable(ctx, key, want); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetTable(ctx, key)
		if err != nil {
			t.Fatalf("GetTable failed: %v", err)
		}
		if !want.Equal(got) {
			t.Errorf("GetTable() = %+v, want %+v", got, want)
		}
	})

	t.Run("missing keys", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		if _, err := s.GetString(ctx, "/nope"); !errors.Is(err, store.ErrKeyNotFound) {
			t.Errorf("GetString err = %v, want ErrKeyNotFound", err)
		}
		if _, err := s.GetObject(ctx, "/nope"); !errors.Is(err, store.ErrKeyNotFound) {
			t.Errorf("GetObject err = %v, want ErrKeyNotFound", err)
		}
		if _, err := s.GetTable(ctx, c.tableKey("/nope")); !errors.Is(err, store.ErrKeyNotFound) {
			t.Errorf("GetTable err = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		s := c.Open(t, location(t))
		defer closeStore(t, s)
		ctx := t.Context()
		tk := c.tableKey("/mixed/table")
		if err := s.PutTable(ctx, tk, SampleTable()); err != nil {
			t.Fatal(err)
		}
		if err := s.PutString(ctx, "/mixed/string", "x"); err != nil {
			t.Fatal(err)
		}
		if err := s.PutObject(ctx, "/mixed/object", []any{1, 2}); err != nil {
			t.Fatal(err)
		}
		checks := []struct {
			name string
			get  func() error
		}{
			{"table as string", func() error { _, err := s.GetString(ctx, tk); return err }},
			{"table as object", func() error { _, err := s.GetObject(ctx, tk); return err }},
			{"string as table", func() error { _, err := s.GetTable(ctx, "/mixed/string"); return err }},
			{"string as object", func() error { _, err := s.GetObject(ctx, "/mixed/string"); return err }},
			{"object as string", func() error { _, err := s.GetString(ctx, "/mixed/object"); return err }},
			{"object as table", func() error { _, err := s.GetTable(ctx, "/mixed/object"); return err }},
		}
		for _, ch := range checks {
			if err := ch.get(); !errors.Is(err, store.ErrTypeMismatch) {
				t.Errorf("%s: err = %v, want ErrTypeMismatch", ch.name, err)
			}
		}
	})

	t.Run("persistence", func(t *testing.T) {
		loc := location(t)
		s := c.Open(t, loc)
		ctx := t.Context()
		tk := c.tableKey("/persist/table")
		if err := s.PutString(ctx, "/persist/string", "kept"); err != nil {
			t.Fatal(err)
		}
		if err := s.PutTable(ctx, tk, SampleTable()); err != nil {
			t.Fatal(err)
		}
		closeStore(t, s)
		if err := s.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}

		s = c.Open(t, loc)
		defer closeStore(t, s)
		got, err := s.GetString(ctx, "/persist/string")
		if err != nil || got != "kept" {
			t.Errorf("GetString() = %q, %v", got, err)
		}
		tbl, err := s.GetTable(ctx, tk)
		if err != nil {
			t.Fatal(err)
		}
		if want := SampleTable(); !want.Equal(tbl) {
			t.Errorf("GetTable() = %+v, want %+v", tbl, want)
		}
	})
}

func closeStore(t *testing.T, s store.Store) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
