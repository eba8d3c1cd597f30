package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock serializes writers on a storage file. The mutex covers
// goroutines in this process, the flock covers other processes sharing
// the same data directory.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock returns a lock guarding path. The lock file itself is
// path plus a ".lock" suffix.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (l *FileLock) open(flags int) error {
	file, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(file.Fd()), flags); err != nil {
		file.Close()
		return err
	}
	l.file = file
	return nil
}

// Lock blocks until the lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	if err := l.open(syscall.LOCK_EX); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

// TryLock reports whether the lock was acquired without blocking.
func (l *FileLock) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	if err := l.open(syscall.LOCK_EX | syscall.LOCK_NB); err != nil {
		l.mu.Unlock()
		return false
	}
	return true
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path + ".lock")
	l.file = nil
	l.mu.Unlock()
	return nil
}
