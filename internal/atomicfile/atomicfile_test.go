package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWrite(t *testing.T) {
	t.Run("publishes content", func(t *testing.T) {
		dir := t.TempDir()
		final := filepath.Join(dir, "shard-000001.parquet")
		tmp := final + ".tmp-1"
		if err := Write(tmp, final, func(w io.Writer) error {
			_, err := io.WriteString(w, "hello")
			return err
		}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, err := os.ReadFile(final)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello" {
			t.Errorf("content = %q, want %q", got, "hello")
		}
		if _, err := os.Stat(tmp); !os.IsNotExist(err) {
			t.Errorf("temp file still present: %v", err)
		}
	})

	t.Run("failure leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		final := filepath.Join(dir, "out")
		boom := errors.New("boom")
		err := Write(final+".tmp", final, func(w io.Writer) error {
			_, _ = io.WriteString(w, "partial")
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("directory not empty: %v", entries)
		}
	})

	t.Run("existing temp file is not clobbered", func(t *testing.T) {
		dir := t.TempDir()
		final := filepath.Join(dir, "out")
		tmp := final + ".tmp"
		if err := os.WriteFile(tmp, []byte("other writer"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := Write(tmp, final, func(io.Writer) error { return nil }); err == nil {
			t.Fatal("Write succeeded over an existing temp file")
		}
		if got, _ := os.ReadFile(tmp); string(got) != "other writer" {
			t.Errorf("temp file changed to %q", got)
		}
	})
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "a", "b", "c.parquet")
	for _, content := range []string{"one", "two"} {
		if err := WriteFile(final, func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		}); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		got, err := os.ReadFile(final)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != content {
			t.Errorf("content = %q, want %q", got, content)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(final))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1: %v", len(entries), entries)
	}
}
