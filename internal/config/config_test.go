package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/metascribe/internal/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return p
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml"), writeFile(t, "empty.yaml", "")} {
		cfg, err := Load(path, nil)
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", path, err)
		}
		if diff := cmp.Diff(Default(), cfg); diff != "" {
			t.Errorf("Load(%q) mismatch (-want +got):\n%s", path, diff)
		}
	}
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, "metascribe.yaml", `default_backend: kv
default_location: /scratch/meta.kv
lock:
  enabled: true
  timeout: 10s
sharded:
  object_shard_rows: 10
`)
	cfg, err := Load(p, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	want.DefaultBackend = "kv"
	want.DefaultLocation = "/scratch/meta.kv"
	want.Lock.Enabled = true
	want.Lock.Timeout = 10 * time.Second
	want.Sharded.ObjectShardRows = 10
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	opts := cfg.StoreOptions()
	wantOpts := &store.Options{
		Lock:            true,
		LockTimeout:     10 * time.Second,
		PollInterval:    time.Second,
		TableShardRows:  store.DefaultTableShardRows,
		ObjectShardRows: 10,
	}
	if diff := cmp.Diff(wantOpts, opts); diff != "" {
		t.Errorf("StoreOptions() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnv(t *testing.T) {
	p := writeFile(t, "metascribe.yaml", "default_backend: kv\n")
	cfg, err := Load(p, env(map[string]string{
		EnvBackend:     "sharded",
		EnvLocation:    "/scratch/shards",
		EnvLockTimeout: "90",
	}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DefaultBackend != "sharded" || cfg.DefaultLocation != "/scratch/shards" || cfg.Lock.Timeout != 90*time.Second {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	cfg, err = Load("", env(map[string]string{EnvLockTimeout: "1m30s"}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Lock.Timeout != 90*time.Second {
		t.Errorf("Lock.Timeout = %v", cfg.Lock.Timeout)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{"unknown field", "lock:\n  timout: 1s\n", nil, "timout"},
		{"integer duration", "lock:\n  timeout: 10\n", nil, "time.Duration"},
		{"zero timeout", "lock:\n  timeout: 0s\n", nil, "lock.timeout"},
		{"negative poll", "lock:\n  poll_interval: -1s\n", nil, "lock.poll_interval"},
		{"zero rows", "sharded:\n  table_shard_rows: 0\n", nil, "table_shard_rows"},
		{"backend", "default_backend: hdf5\n", nil, "default_backend"},
		{"env timeout", "", map[string]string{EnvLockTimeout: "soon"}, EnvLockTimeout},
		{"env backend", "", map[string]string{EnvBackend: "rocksdb"}, "default_backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, "metascribe.yaml", tt.content)
			_, err := Load(p, env(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	var s struct {
		Title      string `json:"title"`
		Properties map[string]struct {
			Type       string         `json:"type"`
			Enum       []string       `json:"enum"`
			Properties map[string]any `json:"properties"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("invalid schema JSON: %v", err)
	}
	if s.Title != "metascribe configuration" {
		t.Errorf("title = %q", s.Title)
	}
	if diff := cmp.Diff([]string{"sql", "columnar", "kv", "sharded"}, s.Properties["default_backend"].Enum); diff != "" {
		t.Errorf("default_backend enum mismatch (-want +got):\n%s", diff)
	}
	lockProps := s.Properties["lock"].Properties
	for _, k := range []string{"enabled", "timeout", "poll_interval"} {
		if _, ok := lockProps[k]; !ok {
			t.Errorf("lock.%s missing from schema", k)
		}
	}
	if _, ok := s.Properties["sharded"]; !ok {
		t.Error("sharded missing from schema")
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", `# metascribe
METASCRIBE_BACKEND=sql
METASCRIBE_LOCATION = "/scratch/meta db.sqlite"

not a pair
`)
	got, err := LoadDotEnv(p)
	if err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	want := map[string]string{EnvBackend: "sql", EnvLocation: "/scratch/meta db.sqlite"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadDotEnv() mismatch (-want +got):\n%s", diff)
	}
	if got, err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil || len(got) != 0 {
		t.Errorf("missing file: %v, %v", got, err)
	}
	for _, bad := range []string{"A='x'\n", "A=x'\n", "A=\"x\n"} {
		if _, err := LoadDotEnv(writeFile(t, ".env", bad)); err == nil {
			t.Errorf("LoadDotEnv(%q) succeeded", bad)
		}
	}
}
