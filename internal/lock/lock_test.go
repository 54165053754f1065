package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeClock advances time instantly on Wait.
type fakeClock struct {
	now    time.Time
	waits  []time.Duration
	onWait func(waited int)
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Wait(ctx context.Context, d time.Duration, _ <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	if c.onWait != nil {
		c.onWait(len(c.waits))
	}
	return nil
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func hold(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite.lock")
	l, err := Acquire(t.Context(), path, Options{Clock: newFakeClock()})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if l.Path() != path {
		t.Errorf("Path() = %q, want %q", l.Path(), path)
	}
	if fi, err := os.Stat(path); err != nil {
		t.Fatalf("marker missing: %v", err)
	} else if fi.Size() != 0 {
		t.Errorf("marker size = %d, want 0", fi.Size())
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("marker still present: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestReleaseMissingMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	l, err := Acquire(t.Context(), path, Options{Clock: newFakeClock()})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		poll    time.Duration
		waits   []time.Duration
	}{
		{"poll divides timeout", 3 * time.Second, time.Second, []time.Duration{time.Second, time.Second, time.Second}},
		{"last wait clipped", 10 * time.Second, 3 * time.Second, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, time.Second}},
		{"poll longer than timeout", time.Second, 5 * time.Second, []time.Duration{time.Second}},
		{"defaults", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "held.lock")
			hold(t, path)
			clock := newFakeClock()
			start := clock.now
			_, err := Acquire(t.Context(), path, Options{Timeout: tt.timeout, PollInterval: tt.poll, Clock: clock})
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("err = %v, want ErrTimeout", err)
			}
			timeout, poll := tt.timeout, tt.poll
			if timeout == 0 {
				timeout, poll = DefaultTimeout, DefaultPollInterval
			}
			elapsed := clock.now.Sub(start)
			if elapsed < timeout || elapsed > timeout+poll {
				t.Errorf("gave up after %s, want within [%s, %s]", elapsed, timeout, timeout+poll)
			}
			if tt.waits != nil {
				if diff := cmp.Diff(tt.waits, clock.waits); diff != "" {
					t.Errorf("waits mismatch (-want +got):\n%s", diff)
				}
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("holder's marker was touched: %v", err)
			}
		})
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "held.lock")
	hold(t, path)
	clock := newFakeClock()
	clock.onWait = func(waited int) {
		if waited == 2 {
			if err := os.Remove(path); err != nil {
				t.Error(err)
			}
		}
	}
	l, err := Acquire(t.Context(), path, Options{Timeout: time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = l.Release() }()
	if len(clock.waits) != 2 {
		t.Errorf("waited %d times, want 2", len(clock.waits))
	}
}

func TestAcquireForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.lock")
	hold(t, path)
	clock := newFakeClock()
	l, err := Acquire(t.Context(), path, Options{Force: true, Clock: clock})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(clock.waits) != 0 {
		t.Errorf("waited %v with Force", clock.waits)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	// Force on a free lock is fine too.
	l, err = Acquire(t.Context(), path, Options{Force: true, Clock: clock})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = l.Release()
}

func TestAcquireCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "held.lock")
	hold(t, path)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := Acquire(ctx, path, Options{Clock: newFakeClock()})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAcquireCreateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "x.lock")
	_, err := Acquire(t.Context(), path, Options{Clock: newFakeClock()})
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want a creation error", err)
	}
}

func TestAcquireWakesOnRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "held.lock")
	hold(t, path)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Remove(path)
	}()
	l, err := Acquire(t.Context(), path, Options{Timeout: 30 * time.Second, PollInterval: 2 * time.Second})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = l.Release()
}

func TestAcquireMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.lock")
	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(t.Context(), path, Options{Timeout: 30 * time.Second, PollInterval: 5 * time.Millisecond})
			if err != nil {
				t.Error(err)
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			if err := l.Release(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := maxHolders.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
}

func TestPathFor(t *testing.T) {
	for in, want := range map[string]string{
		"data/meta.sqlite": "data/meta.sqlite.lock",
		"/srv/store/":      "/srv/store.lock",
		"kv":               "kv.lock",
	} {
		if got := PathFor(in); got != want {
			t.Errorf("PathFor(%q) = %q, want %q", in, got, want)
		}
	}
}
