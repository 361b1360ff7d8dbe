package corestore

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock holds an exclusive OS-level advisory lock (flock(2)) on a
// file for the duration of a write, so a second process honoring the
// same lock observes a consistent file (spec §4.2 "Persistence").
//
// This generalizes the teacher's PID-file singleton lock
// (internal/gateway/singleton_lock.go) from "is another instance
// running" to "is another process mid-write", which needs a real
// kernel-level advisory lock rather than a stale-PID heuristic.
type fileLock struct {
	file *os.File
}

// lockFile opens path (creating it if necessary) and acquires an
// exclusive flock, blocking until it is available.
func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock target %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
