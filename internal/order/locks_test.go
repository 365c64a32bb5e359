package order

import (
	"sync"
	"testing"
	"time"
)

func TestLockTableExclusion(t *testing.T) {
	lt := newLockTable()

	release, ok := lt.acquire(1, time.Second)
	if !ok {
		t.Fatal("first acquire failed")
	}
	// A contender times out while the lock is held.
	if _, ok := lt.acquire(1, 30*time.Millisecond); ok {
		t.Fatal("second acquire should time out")
	}
	// A different order is independent.
	release2, ok := lt.acquire(2, 30*time.Millisecond)
	if !ok {
		t.Fatal("acquire on another order should succeed")
	}
	release2()

	release()
	release3, ok := lt.acquire(1, 30*time.Millisecond)
	if !ok {
		t.Fatal("acquire after release failed")
	}
	release3()
}

func TestLockTableHandoffUnderContention(t *testing.T) {
	lt := newLockTable()
	const goroutines = 8

	var (
		mu      sync.Mutex
		holders int
		max     int
		wg      sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok := lt.acquire(5, 2*time.Second)
			if !ok {
				t.Error("acquire timed out under contention")
				return
			}
			mu.Lock()
			holders++
			if holders > max {
				max = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Fatalf("observed %d concurrent holders, want 1", max)
	}
}

func TestLockTableEviction(t *testing.T) {
	lt := newLockTable()

	release, ok := lt.acquire(9, time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}
	release()
	if lt.size() != 1 {
		t.Fatalf("size = %d, want 1", lt.size())
	}

	lt.evict(9)
	if lt.size() != 0 {
		t.Fatalf("size after evict = %d, want 0", lt.size())
	}

	// A fresh acquire after eviction gets a new entry.
	release, ok = lt.acquire(9, time.Second)
	if !ok {
		t.Fatal("acquire after evict failed")
	}
	release()
	if lt.size() != 1 {
		t.Fatalf("size = %d, want 1", lt.size())
	}
}
