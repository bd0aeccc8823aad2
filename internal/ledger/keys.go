package ledger

import (
	"sync"
)

// keyMutex provides per-key mutual exclusion. Locks for distinct keys are
// independent, so one user's writes never contend with another's.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns the matching unlock function.
// The entry is dropped from the table once the last holder releases it.
func (k *keyMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
