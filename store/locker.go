package store

import (
	"sync"

	"github.com/cloakfs/cloakfs/blocks"
)

// IDLocker synchronizes access per block ID. Concurrent readers of the
// same block proceed together; a writer takes exclusive access for that ID
// only, so operations on distinct blocks run fully in parallel.
//
// Lock entries are reference counted and removed when the last holder
// releases, so the table stays proportional to the number of in-flight
// operations rather than the number of blocks ever touched.
type IDLocker struct {
	mu    sync.Mutex
	locks map[blocks.ID]*idLock
}

type idLock struct {
	mu   sync.RWMutex
	refs int
}

// NewIDLocker creates an empty IDLocker.
func NewIDLocker() *IDLocker {
	return &IDLocker{locks: make(map[blocks.ID]*idLock)}
}

func (l *IDLocker) acquire(id blocks.ID) *idLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &idLock{}
		l.locks[id] = lk
	}
	lk.refs++
	return lk
}

func (l *IDLocker) release(id blocks.ID, lk *idLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock takes exclusive access to the given block ID and returns the
// release function.
func (l *IDLocker) Lock(id blocks.ID) func() {
	lk := l.acquire(id)
	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.release(id, lk)
	}
}

// RLock takes shared access to the given block ID and returns the release
// function.
func (l *IDLocker) RLock(id blocks.ID) func() {
	lk := l.acquire(id)
	lk.mu.RLock()
	return func() {
		lk.mu.RUnlock()
		l.release(id, lk)
	}
}
