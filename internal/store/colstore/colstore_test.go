package colstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/store/storetest"
	"github.com/maruel/metascribe/internal/tabular"
)

func TestContract(t *testing.T) {
	storetest.Run(t, storetest.Config{
		Open: func(t *testing.T, location string) store.Store {
			s, err := Open(t.Context(), location, &store.Options{Lock: true})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			return s
		},
	}, func(t *testing.T) string {
		return filepath.Join(t.TempDir(), "columnar")
	})
}

func TestPath(t *testing.T) {
	root := t.TempDir()
	s, err := Open(t.Context(), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	tests := []struct {
		key  string
		want string
	}{
		{"/a/b/c", "a/b/c.parquet"},
		{"a/b/c", "a/b/c.parquet"},
		{"/runs//1/", "runs/1.parquet"},
		{"/../../etc/passwd", "etc/passwd.parquet"},
	}
	for _, tt := range tests {
		got, err := s.Path(tt.key)
		if err != nil {
			t.Errorf("Path(%q) failed: %v", tt.key, err)
			continue
		}
		if want := filepath.Join(root, filepath.FromSlash(tt.want)); got != want {
			t.Errorf("Path(%q) = %q, want %q", tt.key, got, want)
		}
	}
	for _, key := range []string{"", "/", "//", "/.."} {
		if _, err := s.Path(key); !errors.Is(err, store.ErrInvalidKey) {
			t.Errorf("Path(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestKeys(t *testing.T) {
	s, err := Open(t.Context(), t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := t.Context()
	for _, k := range []string{"/runs/2/account", "/runs/1/account", "/runs", "/other/x"} {
		if err := s.PutString(ctx, k, "v"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Keys(ctx, "/runs")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/runs", "/runs/1/account", "/runs/2/account"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
}

func TestOverwriteIsAtomic(t *testing.T) {
	root := t.TempDir()
	s, err := Open(t.Context(), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := t.Context()
	if err := s.PutTable(ctx, "/t", storetest.SampleTable()); err != nil {
		t.Fatal(err)
	}
	// Replacing a table with a string leaves exactly one file behind.
	if err := s.PutString(ctx, "/t", "now a string"); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "t.parquet" {
		t.Errorf("entries = %v", entries)
	}
	if _, err := s.GetTable(ctx, "/t"); !errors.Is(err, store.ErrTypeMismatch) {
		t.Errorf("err = %v, want ErrTypeMismatch", err)
	}
}

func TestForeignFileIsTable(t *testing.T) {
	root := t.TempDir()
	want := storetest.SampleTable()
	f, err := os.Create(filepath.Join(root, "foreign.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tabular.EncodeTable(f, want, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	s, err := Open(t.Context(), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	got, err := s.GetTable(t.Context(), "/foreign")
	if err != nil {
		t.Fatal(err)
	}
	if !want.Equal(got) {
		t.Errorf("GetTable() = %+v, want %+v", got, want)
	}
}

func TestOpenNotADirectory(t *testing.T) {
	location := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(location, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(t.Context(), location, &store.Options{Lock: true})
	if !errors.Is(err, store.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if _, err := os.Stat(location + ".lock"); !os.IsNotExist(err) {
		t.Errorf("marker left behind: %v", err)
	}
}
