// Package store defines the contract shared by metascribe storage backends.
//
// A backend stores three shapes of value under string keys: tables, structured
// objects and strings. Reading a key back with the wrong accessor is a
// ErrTypeMismatch, reading an absent key is ErrKeyNotFound.
//
// Single-writer backends (sql, columnar, kv) optionally hold an advisory lock
// for their whole lifetime, see OpenLocked. The sharded backend partitions by
// writer instead and never locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maruel/metascribe/internal/lock"
	"github.com/maruel/metascribe/internal/pattern"
	"github.com/maruel/metascribe/internal/tabular"
)

var (
	// ErrNoMatch is returned when a template does not occur in a document.
	ErrNoMatch = pattern.ErrNoMatch
	// ErrLockTimeout is returned when a store's lock is held past the timeout.
	ErrLockTimeout = lock.ErrTimeout
	// ErrKeyNotFound is returned when reading an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTypeMismatch is returned when a key holds a different shape of value
	// than the accessor asked for.
	ErrTypeMismatch = errors.New("stored value has a different type")
	// ErrOpen is matched by every *OpenError.
	ErrOpen = errors.New("failed to open store")
	// ErrInvalidKey is returned for keys a backend cannot address.
	ErrInvalidKey = errors.New("invalid key")
	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("store is closed")
)

// Store is implemented by every backend. Implementations are not safe for
// concurrent use unless documented otherwise.
type Store interface {
	PutTable(ctx context.Context, key string, t tabular.Table) error
	GetTable(ctx context.Context, key string) (tabular.Table, error)
	// PutObject stores a JSON-compatible value.
	PutObject(ctx context.Context, key string, v any) error
	// GetObject returns the value decoded from JSON, numbers as json.Number.
	GetObject(ctx context.Context, key string) (any, error)
	PutString(ctx context.Context, key, v string) error
	GetString(ctx context.Context, key string) (string, error)
	// Close releases the engine, then the lock. It is idempotent.
	Close() error
}

// Kind names a backend.
type Kind string

// Backends.
const (
	KindSQL      Kind = "sql"
	KindColumnar Kind = "columnar"
	KindKV       Kind = "kv"
	KindSharded  Kind = "sharded"
)

// Kinds lists every backend.
var Kinds = []Kind{KindSQL, KindColumnar, KindKV, KindSharded}

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backend %q, want one of %v", s, Kinds)
}

// Shape is the shape of a stored value, as recorded by backends that keep it
// next to the payload.
type Shape string

// Shapes.
const (
	ShapeTable  Shape = "table"
	ShapeObject Shape = "object"
	ShapeString Shape = "string"
)

// Default sharded store thresholds.
const (
	DefaultTableShardRows  = 5_000_000
	DefaultObjectShardRows = 1_000_000
)

// Options configures opening a store. The zero value opens without locking.
type Options struct {
	// Lock guards single-writer backends with <location>.lock.
	Lock         bool
	LockTimeout  time.Duration
	PollInterval time.Duration
	// ForceUnlock removes a stale marker first. See lock.Options.Force.
	ForceUnlock bool
	Clock       lock.Clock

	// WriterID names the sharded writer's directories. Empty generates one.
	WriterID string
	// TableShardRows and ObjectShardRows are the sharded flush thresholds.
	TableShardRows  int
	ObjectShardRows int
}

// LockOptions returns the lock settings.
func (o *Options) LockOptions() lock.Options {
	return lock.Options{
		Timeout:      o.LockTimeout,
		PollInterval: o.PollInterval,
		Force:        o.ForceUnlock,
		Clock:        o.Clock,
	}
}

// OpenError reports a backend that could not be opened.
type OpenError struct {
	Kind     Kind
	Location string
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open %s store %s: %v", e.Kind, e.Location, e.Err)
}

// Unwrap returns both ErrOpen and the cause.
func (e *OpenError) Unwrap() []error {
	return []error{ErrOpen, e.Err}
}

// NotFound returns an error wrapping ErrKeyNotFound for key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
}

// Mismatch returns an error wrapping ErrTypeMismatch for key.
func Mismatch(key string, stored, want Shape) error {
	return fmt.Errorf("%w: %q holds a %s, not a %s", ErrTypeMismatch, key, stored, want)
}

// OpenLocked acquires the lock for location when opts.Lock is set, then calls
// open. When open fails the lock is released before the error is returned, so
// a failed open never leaves a marker behind. The returned lock is nil when
// locking is disabled.
func OpenLocked[S any](ctx context.Context, kind Kind, location string, opts *Options, open func() (S, error)) (S, *lock.Lock, error) {
	var zero S
	var l *lock.Lock
	if opts.Lock {
		var err error
		if l, err = lock.Acquire(ctx, lock.PathFor(location), opts.LockOptions()); err != nil {
			return zero, nil, fmt.Errorf("%s store %s: %w", kind, location, err)
		}
	}
	s, err := open()
	if err != nil {
		err = &OpenError{Kind: kind, Location: location, Err: err}
		if l != nil {
			err = errors.Join(err, l.Release())
		}
		return zero, nil, err
	}
	return s, l, nil
}

// Release releases l after the engine was closed with engineErr. l may be nil.
func Release(engineErr error, l *lock.Lock) error {
	if l == nil {
		return engineErr
	}
	return errors.Join(engineErr, l.Release())
}
