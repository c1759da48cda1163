package store

import "sync"

// Locker hands out one mutex per address so that at most one mutating
// operation per wallet is in flight. Different addresses never contend.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*addrLock
}

type addrLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*addrLock)}
}

// Lock blocks until the caller holds address and returns the release
// function. Entries are dropped once no goroutine holds or waits on them.
func (l *Locker) Lock(address string) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[address]
	if !ok {
		al = &addrLock{}
		l.locks[address] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()

	return func() {
		al.mu.Unlock()

		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, address)
		}
		l.mu.Unlock()
	}
}

// size reports the number of live entries.
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
