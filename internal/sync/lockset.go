package sync

import gosync "sync"

// lockSet hands out one mutex per key, created on demand and released when
// no goroutine holds or waits for it.
type lockSet struct {
	mu    gosync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   gosync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (s *lockSet) Lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func itemKey(table, id string) string {
	return table + "\x00" + id
}
