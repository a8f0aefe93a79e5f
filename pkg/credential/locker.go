package credential

import "sync"

// Locker provides a mutex per server URL hash so read-modify-write cycles
// against one backend's credential serialize while different backends
// proceed independently. Mutexes are retained for the process lifetime;
// the set is bounded by the number of configured backends.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given hash and returns its unlock func.
func (l *Locker) Lock(serverURLHash string) func() {
	l.mu.Lock()
	m, ok := l.locks[serverURLHash]
	if !ok {
		m = &sync.Mutex{}
		l.locks[serverURLHash] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
