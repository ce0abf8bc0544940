/*
locker.go - Per-key serialization of check-and-append sequences

PURPOSE:
  Reading available stock and appending a movement that depends on it must
  not interleave with another such sequence on the same (product, warehouse)
  key, otherwise two reservations can both see enough stock and oversell.
  KeyLocker gives every key a single-slot semaphore.

RULES:
  - Multi-key callers pass all keys at once; they are locked in Key.Less order
    so two callers never wait on each other in a cycle.
  - Acquisition is bounded: by the caller's context and by the wait limit.
    On timeout every key already taken is released and a ContentionError
    is returned.
  - Key locks are always taken before a store transaction is opened.
  - Idle keys are dropped from the map, so memory follows concurrency, not
    catalogue size.
*/
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type KeyLocker struct {
	mu    sync.Mutex
	slots map[Key]*keySlot
	wait  time.Duration
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

// NewKeyLocker creates a locker. wait bounds how long Lock blocks on a
// single key; zero means only the caller's context bounds it.
func NewKeyLocker(wait time.Duration) *KeyLocker {
	return &KeyLocker{slots: make(map[Key]*keySlot), wait: wait}
}

// Lock acquires every key and returns a function releasing them.
func (l *KeyLocker) Lock(ctx context.Context, keys ...Key) (func(), error) {
	keys = uniqueSorted(keys)

	held := make([]Key, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *KeyLocker) lock(ctx context.Context, k Key) error {
	l.mu.Lock()
	s, ok := l.slots[k]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		t := time.NewTimer(l.wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-timeout:
	case <-ctx.Done():
	}

	l.mu.Lock()
	l.dropRef(k, s)
	l.mu.Unlock()
	return &ContentionError{Key: k}
}

func (l *KeyLocker) unlock(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[k]
	if !ok {
		return
	}
	<-s.ch
	l.dropRef(k, s)
}

func (l *KeyLocker) dropRef(k Key, s *keySlot) {
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

// size reports how many keys are currently tracked.
func (l *KeyLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func uniqueSorted(keys []Key) []Key {
	seen := make(map[Key]bool, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
