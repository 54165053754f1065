package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maruel/metascribe/internal/lock"
	"github.com/maruel/metascribe/internal/store"
)

func TestOpen(t *testing.T) {
	locations := map[store.Kind]string{
		store.KindSQL:      "meta.db",
		store.KindColumnar: "meta",
		store.KindKV:       "meta.kv",
		store.KindSharded:  "shards",
	}
	for _, kind := range store.Kinds {
		t.Run(string(kind), func(t *testing.T) {
			ctx := t.Context()
			loc := filepath.Join(t.TempDir(), locations[kind])
			s, err := Open(ctx, kind, loc, &store.Options{Lock: true, LockTimeout: time.Second})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			_, statErr := os.Stat(lock.PathFor(loc))
			if locked := statErr == nil; locked == (kind == store.KindSharded) {
				t.Errorf("lock marker present = %t", locked)
			}
			if err := s.PutString(ctx, "account", "cstao"); err != nil {
				t.Fatalf("PutString failed: %v", err)
			}
			got, err := s.GetString(ctx, "account")
			if err != nil {
				t.Fatalf("GetString failed: %v", err)
			}
			if got != "cstao" {
				t.Errorf("GetString() = %q", got)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if _, err := os.Stat(lock.PathFor(loc)); !os.IsNotExist(err) {
				t.Errorf("lock marker left behind: %v", err)
			}
		})
	}
}

func TestOpenUnknown(t *testing.T) {
	s, err := Open(t.Context(), "hdf5", t.TempDir(), nil)
	if err == nil || s != nil {
		t.Fatalf("Open() = %v, %v", s, err)
	}
}

func TestOpenFailure(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(t.Context(), store.KindColumnar, file, nil)
	if !errors.Is(err, store.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if s != nil {
		t.Errorf("failed Open returned a non-nil store")
	}
}
