package engine

import "sync"

// keyLock serializes mutations per session key so concurrent votes from the
// same client cannot double-increment the round cursor. Locks are never
// evicted; session keys are bounded by the experiment's audience.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: map[string]*sync.Mutex{}}
}

func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
