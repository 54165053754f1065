// Package lock implements cooperative, filesystem based mutual exclusion.
//
// A lock is held while its marker file exists. The marker is created with a
// single exclusive-create call, so two acquirers can never both succeed. This
// relies on the filesystem providing atomic O_EXCL semantics; network
// filesystems that do not are unsupported. There is no fairness among
// waiters.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrTimeout is returned when a lock could not be acquired before its timeout.
var ErrTimeout = errors.New("timed out waiting for lock")

const (
	// DefaultTimeout is used when Options.Timeout is zero.
	DefaultTimeout = 300 * time.Second
	// DefaultPollInterval is used when Options.PollInterval is zero.
	DefaultPollInterval = time.Second
	// Suffix is appended to a store location to form its marker path.
	Suffix = ".lock"
)

// PathFor returns the marker path guarding location.
func PathFor(location string) string {
	return filepath.Clean(location) + Suffix
}

// Clock abstracts time so waits can be simulated in tests.
type Clock interface {
	Now() time.Time
	// Wait blocks until d elapsed, wake received a value or ctx is done. Only
	// the latter returns an error.
	Wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error
}

// Options configures Acquire. The zero value is usable.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// Force removes a pre-existing marker before the first attempt. Use it to
	// recover after a holder died; it breaks a live holder's lock.
	Force bool
	// Clock defaults to the wall clock.
	Clock Clock
}

// Lock is a held lock. Release it exactly once; extra calls are no-ops.
type Lock struct {
	path string

	mu       sync.Mutex
	released bool
}

// Acquire creates the marker at path, polling while another holder owns it.
//
// It fails with an error wrapping ErrTimeout no sooner than opts.Timeout and
// no later than opts.Timeout plus one poll interval after the first attempt.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = wallClock{}
	}
	if opts.Force {
		switch err := os.Remove(path); {
		case err == nil:
			slog.WarnContext(ctx, "Removed existing lock", "path", path)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to remove lock %s: %w", path, err)
		}
	}
	deadline := clock.Now().Add(timeout)
	var wake <-chan struct{}
	for attempt := 1; ; attempt++ {
		err := create(path)
		if err == nil {
			if attempt > 1 {
				slog.DebugContext(ctx, "Acquired lock", "path", path, "attempts", attempt)
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s still held after %s", ErrTimeout, path, timeout)
		}
		if attempt == 1 {
			slog.InfoContext(ctx, "Waiting for lock", "path", path, "timeout", timeout)
			var stop func()
			wake, stop = watch(ctx, path)
			defer stop()
		}
		if err := clock.Wait(ctx, min(poll, remaining), wake); err != nil {
			return nil, err
		}
	}
}

func create(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Path returns the marker path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker. A marker already gone is not an error.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}

// watch signals on the returned channel when the marker at path is removed or
// renamed. Waiters then retry early instead of sleeping a full poll interval.
// When the directory cannot be watched, the channel never fires.
func watch(ctx context.Context, path string) (<-chan struct{}, func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.DebugContext(ctx, "Lock watcher unavailable", "err", err)
		return nil, func() {}
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		slog.DebugContext(ctx, "Lock watcher unavailable", "path", path, "err", err)
		return nil, func() {}
	}
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	target := filepath.Clean(path)
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == target && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching lock", "path", path, "err", err)
			}
		}
	}()
	return wake, func() {
		_ = w.Close()
		<-done
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) Wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-wake:
	}
	return nil
}
