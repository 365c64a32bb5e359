package order

import (
	"sync"
	"time"
)

// lockTable hands out one exclusive lock per order id. Entries are created
// lazily and evicted once the order reaches a terminal state, so the table
// does not grow for the process lifetime.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[int64]chan struct{}{}}
}

func (t *lockTable) get(id int64) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// acquire blocks up to timeout for the order's lock. The returned release
// function must be called exactly once; ok is false on timeout.
func (t *lockTable) acquire(id int64, timeout time.Duration) (release func(), ok bool) {
	ch := t.get(id)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
	}

	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	case <-tm.C:
		return nil, false
	}
}

// evict drops the lock entry for a terminally-settled order. Safe to call
// while holding the lock; a late acquirer on the old channel still gets
// exclusion against other holders of the same channel.
func (t *lockTable) evict(id int64) {
	t.mu.Lock()
	delete(t.locks, id)
	t.mu.Unlock()
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
