package handlers

import "sync"

// userLocks is a keyed mutex. Entries are reference counted and dropped
// once no goroutine holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// Lock blocks until the caller holds the lock for key and returns the
// function that releases it.
func (l *userLocks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &userLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
