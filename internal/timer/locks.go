package timer

import "sync"

// entityLocks hands out one mutex per entity. Entries are reference counted
// and dropped when no goroutine holds or waits on them.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// lock blocks until the entity is free and returns the matching unlock
func (l *entityLocks) lock(entityID string) func() {
	l.mu.Lock()
	el, ok := l.locks[entityID]
	if !ok {
		el = &entityLock{}
		l.locks[entityID] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()

	return func() {
		el.mu.Unlock()

		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, entityID)
		}
		l.mu.Unlock()
	}
}

func (l *entityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
