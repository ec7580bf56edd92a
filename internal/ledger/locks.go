package ledger

import "sync"

// LockRegistry hands out a mutex per file path so concurrent workers can
// append to shared files without interleaving writes. Locks are never
// reclaimed; the set of paths in a run is small and bounded.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Acquire locks the mutex for path and returns the release function.
func (r *LockRegistry) Acquire(path string) func() {
	r.mu.Lock()
	l, ok := r.locks[path]
	if !ok {
		l = &sync.Mutex{}
		r.locks[path] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
