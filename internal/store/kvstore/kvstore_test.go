package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/store/storetest"
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
		return filepath.Join(t.TempDir(), "parent", "kv")
	})
}

func TestKeys(t *testing.T) {
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "kv"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := t.Context()
	for _, k := range []string{"/runs/2/account", "/runs/1/account", "/other/x"} {
		if err := s.PutString(ctx, k, "v"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutTable(ctx, "/runs/1/steps", storetest.SampleTable()); err != nil {
		t.Fatal(err)
	}
	got, err := s.Keys(ctx, "/runs/")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/runs/1/account", "/runs/1/steps", "/runs/2/account"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	all, err := s.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("Keys(\"\") = %v", all)
	}
}

func TestEmptyKey(t *testing.T) {
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "kv"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	if err := s.PutString(t.Context(), "", "v"); !errors.Is(err, store.ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestOpenFailureReleasesLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kv")
	first, err := Open(t.Context(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()
	// Badger holds its own directory lock, so a second open fails after our
	// marker was created.
	_, err = Open(t.Context(), dir, &store.Options{Lock: true})
	if !errors.Is(err, store.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if _, err := os.Stat(dir + ".lock"); !os.IsNotExist(err) {
		t.Errorf("marker left behind: %v", err)
	}
}
