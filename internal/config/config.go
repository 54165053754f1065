// Manages the metascribe configuration file and its environment overrides.

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/maruel/metascribe/internal/lock"
	"github.com/maruel/metascribe/internal/store"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the file.
const (
	EnvLockTimeout = "METASCRIBE_LOCK_TIMEOUT"
	EnvBackend     = "METASCRIBE_BACKEND"
	EnvLocation    = "METASCRIBE_LOCATION"
)

// Config is the content of the YAML configuration file.
type Config struct {
	// DefaultBackend is used when a command does not name one.
	DefaultBackend string `yaml:"default_backend,omitempty" json:"default_backend,omitempty" jsonschema:"enum=sql,enum=columnar,enum=kv,enum=sharded,description=Backend used when none is given"`
	// DefaultLocation is used when a command does not name one.
	DefaultLocation string `yaml:"default_location,omitempty" json:"default_location,omitempty" jsonschema:"description=Store location used when none is given"`

	Lock    Lock    `yaml:"lock" json:"lock"`
	Sharded Sharded `yaml:"sharded" json:"sharded"`
}

// Lock configures the advisory lock of single-writer backends.
type Lock struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" jsonschema:"description=Hold <location>.lock while a store is open"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" jsonschema:"type=string,description=Maximum wait for the lock; e.g. 5m"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" jsonschema:"type=string,description=Delay between lock attempts; e.g. 1s"`
}

// Sharded configures the sharded append store.
type Sharded struct {
	TableShardRows  int `yaml:"table_shard_rows" json:"table_shard_rows" jsonschema:"minimum=1,description=Buffered table rows that trigger a shard"`
	ObjectShardRows int `yaml:"object_shard_rows" json:"object_shard_rows" jsonschema:"minimum=1,description=Buffered objects that trigger a shard"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Lock: Lock{
			Timeout:      lock.DefaultTimeout,
			PollInterval: lock.DefaultPollInterval,
		},
		Sharded: Sharded{
			TableShardRows:  store.DefaultTableShardRows,
			ObjectShardRows: store.DefaultObjectShardRows,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment overrides found through getenv. An empty path or a missing file
// yields the defaults. getenv may be nil.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path is provided by the CLI user
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := cfg.decode(data); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}
	if getenv != nil {
		if err := cfg.applyEnv(getenv); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvLockTimeout); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLockTimeout, err)
		}
		c.Lock.Timeout = d
	}
	if v := getenv(EnvBackend); v != "" {
		c.DefaultBackend = v
	}
	if v := getenv(EnvLocation); v != "" {
		c.DefaultLocation = v
	}
	return nil
}

// parseTimeout accepts a Go duration or a number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DefaultBackend != "" {
		if _, err := store.ParseKind(c.DefaultBackend); err != nil {
			return fmt.Errorf("default_backend: %w", err)
		}
	}
	if c.Lock.Timeout <= 0 {
		return errors.New("lock.timeout must be positive")
	}
	if c.Lock.PollInterval <= 0 {
		return errors.New("lock.poll_interval must be positive")
	}
	if c.Sharded.TableShardRows <= 0 {
		return errors.New("sharded.table_shard_rows must be positive")
	}
	if c.Sharded.ObjectShardRows <= 0 {
		return errors.New("sharded.object_shard_rows must be positive")
	}
	return nil
}

// StoreOptions returns the options to open a store with.
func (c *Config) StoreOptions() *store.Options {
	return &store.Options{
		Lock:            c.Lock.Enabled,
		LockTimeout:     c.Lock.Timeout,
		PollInterval:    c.Lock.PollInterval,
		TableShardRows:  c.Sharded.TableShardRows,
		ObjectShardRows: c.Sharded.ObjectShardRows,
	}
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	s := r.Reflect(&Config{})
	s.Title = "metascribe configuration"
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return append(data, '\n'), nil
}

// LoadDotEnv reads KEY=value lines from path. A missing file is empty.
// Values may be wrapped in double quotes; single quotes are rejected.
func LoadDotEnv(path string) (map[string]string, error) {
	env := make(map[string]string)
	content, err := os.ReadFile(path) //nolint:gosec // G304: path is provided by the CLI user
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, err
	}
	for line := range strings.SplitSeq(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if strings.HasPrefix(val, "'") || strings.HasSuffix(val, "'") {
			return nil, fmt.Errorf("single quotes are not supported in .env: %s", line)
		}
		if strings.HasPrefix(val, "\"") {
			unquoted, err := strconv.Unquote(val)
			if err != nil {
				return nil, fmt.Errorf("failed to unquote %s: %w", key, err)
			}
			val = unquoted
		}
		env[key] = val
	}
	return env, nil
}
