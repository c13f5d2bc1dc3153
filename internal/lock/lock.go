// Package lock provides per-key in-process locks and an exclusive workspace
// lock file.
package lock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MutexMap hands out one lock per key. Locks are channel slots so a waiter
// can give up when its context ends.
type MutexMap struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		slots: make(map[string]chan struct{}),
	}
}

// LockContext acquires key or returns ctx.Err() if ctx ends first.
func (m *MutexMap) LockContext(ctx context.Context, key string) error {
	select {
	case m.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) {
	select {
	case <-m.slot(key):
	default:
		panic(fmt.Sprintf("lock: unlock of unlocked key %q", key))
	}
}

func (m *MutexMap) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.slots[key]; ok {
		return ch
	}
	ch := make(chan struct{}, 1)
	m.slots[key] = ch
	return ch
}

// FileLock is an flock(2)-based exclusive lock. The holder's PID is written
// into the file for diagnostics and cleared on Unlock.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("acquire lock (another relay process may be using this workspace): %w", err)
	}

	release := func(cause error) error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return cause
	}
	if err := f.Truncate(0); err != nil {
		return release(fmt.Errorf("truncate lock file: %w", err))
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release(fmt.Errorf("seek lock file: %w", err))
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release(fmt.Errorf("write PID to lock file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return release(fmt.Errorf("sync lock file: %w", err))
	}

	fl.file = f
	return nil
}

// Unlock clears the PID and releases the lock. The file itself stays in
// place: unlinking it would let a waiter that already opened it lock an
// orphaned inode while a newcomer locks a fresh file at the same path.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	_ = f.Truncate(0)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}
