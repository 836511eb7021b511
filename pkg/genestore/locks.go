package genestore

import "sync"

// annotationLocks is a keyed RW mutex, one entry per annotation version.
//
// Writers (finalize, unfinalize) take the write side for the whole life of
// their transaction. Exports take the read side. Entries are dropped once no
// goroutine holds or waits on them.
type annotationLocks struct {
	mu      sync.Mutex
	entries map[string]*annotationLock
}

type annotationLock struct {
	rw   sync.RWMutex
	refs int
}

func newAnnotationLocks() *annotationLocks {
	return &annotationLocks{entries: make(map[string]*annotationLock)}
}

func (l *annotationLocks) acquire(key string) *annotationLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &annotationLock{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *annotationLocks) release(key string, e *annotationLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock takes the write side for key and returns its unlock func.
func (l *annotationLocks) Lock(key string) func() {
	e := l.acquire(key)
	e.rw.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.rw.Unlock()
			l.release(key, e)
		})
	}
}

// RLock takes the read side for key and returns its unlock func.
func (l *annotationLocks) RLock(key string) func() {
	e := l.acquire(key)
	e.rw.RLock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.rw.RUnlock()
			l.release(key, e)
		})
	}
}

func (l *annotationLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
