// Package atomicfile publishes files by writing them under a temporary name
// and renaming them into place, so readers see either the previous content or
// the complete new content, never a partial file.
package atomicfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Write creates tmpPath, fills it with write, syncs it and renames it to
// finalPath. tmpPath must be in the same directory as finalPath. On failure
// the temporary file is removed.
func Write(tmpPath, finalPath string, write func(io.Writer) error) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	return publish(f, tmpPath, finalPath, write)
}

// WriteFile is Write with a unique temporary name derived from finalPath.
func WriteFile(finalPath string, write func(io.Writer) error) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(finalPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	return publish(f, f.Name(), finalPath, write)
}

func publish(f *os.File, tmpPath, finalPath string, write func(io.Writer) error) error {
	bw := bufio.NewWriterSize(f, 64*1024)
	if err := write(bw); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmpPath))
	}
	if err := bw.Flush(); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", tmpPath, err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync %s: %w", tmpPath, err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close %s: %w", tmpPath, err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errors.Join(fmt.Errorf("failed to rename to %s: %w", finalPath, err), os.Remove(tmpPath))
	}
	// Persist the rename itself; not all platforms allow syncing a directory.
	_ = syncDir(filepath.Dir(finalPath))
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = d.Close()
	}()
	return d.Sync()
}
