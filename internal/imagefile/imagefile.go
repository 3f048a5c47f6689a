// Package imagefile opens the on-disk checkpoint image exclusively for
// the duration of a dump or restore, so that a second invocation
// against the same path fails fast instead of interleaving writes with
// reads of a partially-written stream.
package imagefile

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// Writer is a checkpoint image open for writing, holding an exclusive
// advisory lock for its lifetime.
type Writer struct {
	*os.File
	lock *flock.Flock
}

// Create creates path (failing if it already exists, refusing to
// overwrite an existing image) and locks it exclusively.
func Create(path string) (*Writer, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("image %s is locked by another process", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("creating image %s: %w", path, err)
	}
	return &Writer{File: f, lock: lock}, nil
}

// Close releases the lock after closing the underlying file.
func (w *Writer) Close() error {
	err := w.File.Close()
	if unlockErr := w.lock.Unlock(); err == nil {
		err = unlockErr
	}
	os.Remove(w.lock.Path())
	return err
}

// Reader is a checkpoint image open for reading, locked shared so a
// concurrent dump targeting the same path is refused but concurrent
// restores of the same image are allowed.
type Reader struct {
	*os.File
	lock *flock.Flock
}

// Open opens path for restoration.
func Open(path string) (*Reader, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("image %s is locked exclusively by another process", path)
	}
	f, err := os.Open(path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}
	return &Reader{File: f, lock: lock}, nil
}

// Close releases the lock after closing the underlying file.
func (r *Reader) Close() error {
	err := r.File.Close()
	if unlockErr := r.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
