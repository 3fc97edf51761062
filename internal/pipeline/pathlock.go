// SPDX-License-Identifier: MIT

package pipeline

import "sync"

// PathLocks serialises all mutation per server-visible path. The per-path
// lock is the only lock held across I/O.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

// Lock blocks until the path lock is held and returns the release func.
func (pl *PathLocks) Lock(path string) func() {
	pl.mu.Lock()
	l, ok := pl.locks[path]
	if !ok {
		l = &pathLock{}
		pl.locks[path] = l
	}
	l.refs++
	pl.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		pl.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(pl.locks, path)
		}
		pl.mu.Unlock()
	}
}
