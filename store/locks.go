package store

import (
	"sync"
)

// instrumentLocks hands out one mutex per ISIN. Entries are created on first
// use and kept for the life of the process; the tracked universe is small.
type instrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *instrumentLocks) get(isin string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[isin]
	if !ok {
		m = &sync.Mutex{}
		l.locks[isin] = m
	}
	return m
}

func (l *instrumentLocks) lock(isin string) {
	l.get(isin).Lock()
}

func (l *instrumentLocks) tryLock(isin string) bool {
	return l.get(isin).TryLock()
}

func (l *instrumentLocks) unlock(isin string) {
	l.get(isin).Unlock()
}
