package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// keyLocks serializes mutations per novel key: an in-process mutex for
// goroutines and, when a lock path is given, an advisory file lock for other
// processes sharing the data directory.
type keyLocks struct {
	mu        sync.Mutex
	entries   map[string]*keyLock
	fileLocks bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks(fileLocks bool) *keyLocks {
	return &keyLocks{
		entries:   map[string]*keyLock{},
		fileLocks: fileLocks,
	}
}

func (l *keyLocks) lock(key, lockPath string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &keyLock{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	releaseFile := func() error { return nil }
	if l.fileLocks && lockPath != "" {
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			l.release(key, entry)
			return nil, ioFailure("mkdir", filepath.Dir(lockPath), err)
		}
		unlock, err := lockFile(lockPath)
		if err != nil {
			l.release(key, entry)
			return nil, ioFailure("lock", lockPath, err)
		}
		releaseFile = unlock
	}
	return func() {
		_ = releaseFile()
		l.release(key, entry)
	}, nil
}

func (l *keyLocks) release(key string, entry *keyLock) {
	entry.mu.Unlock()
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
