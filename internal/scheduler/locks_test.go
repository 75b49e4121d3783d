package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLocker_SameKeySerializes(t *testing.T) {
	locker := NewKeyedLocker()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("task-1")
			defer unlock()
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("%d goroutines held the same key at once", peak.Load())
	}
	if locker.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", locker.Len())
	}
}

func TestKeyedLocker_DifferentKeysIndependent(t *testing.T) {
	locker := NewKeyedLocker()
	unlockA := locker.Lock("task-a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlock := locker.Lock("task-b")
		unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on task-b waited for task-a")
	}
}

func TestKeyedLocker_WaiterKeepsEntry(t *testing.T) {
	locker := NewKeyedLocker()
	unlock := locker.Lock("task-1")

	got := make(chan func())
	go func() { got <- locker.Lock("task-1") }()

	// Wait until the second caller is queued on the entry.
	deadline := time.Now().Add(time.Second)
	for {
		locker.mu.Lock()
		refs := locker.entries["task-1"].refs
		locker.mu.Unlock()
		if refs == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second caller never queued")
		}
		time.Sleep(time.Millisecond)
	}

	unlock()
	unlock() // Second call is a no-op

	select {
	case unlock2 := <-got:
		if locker.Len() != 1 {
			t.Errorf("Len() = %d while held, want 1", locker.Len())
		}
		unlock2()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if locker.Len() != 0 {
		t.Errorf("Len() = %d, want 0", locker.Len())
	}
}
