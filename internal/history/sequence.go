package history

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// keyLocks is a per-key mutex whose entries are dropped when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[Key]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[Key]*refLock)}
}

func (l *keyLocks) lock(k Key) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[k]
	if !ok {
		rl = &refLock{}
		l.locks[k] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}

// sequencer remembers the last position handed out per key. Entries may be
// evicted; an evicted key is reseeded from the tiers on its next append.
// Callers hold the key lock around get/put.
type sequencer struct {
	locks *keyLocks
	last  *lru.Cache[Key, Position]
}

func newSequencer(size int) *sequencer {
	if size <= 0 {
		size = 10000
	}
	last, _ := lru.New[Key, Position](size)
	return &sequencer{locks: newKeyLocks(), last: last}
}

func (s *sequencer) get(k Key) (Position, bool) {
	return s.last.Get(k)
}

func (s *sequencer) put(k Key, p Position) {
	s.last.Add(k, p)
}

// forget drops the remembered position, e.g. after a purge.
func (s *sequencer) forget(k Key) {
	s.last.Remove(k)
}
