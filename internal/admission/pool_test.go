package admission

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolCapsConcurrency(t *testing.T) {
	p := newWorkerPool(2)

	var inflight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !p.acquire() {
				t.Error("acquire failed on open pool")
				return
			}
			n := inflight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
			p.release()
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("pool allowed %d concurrent workers, cap is 2", peak.Load())
	}
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	p := newWorkerPool(1)
	if !p.acquire() {
		t.Fatal("first acquire should succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- p.acquire()
	}()

	time.Sleep(10 * time.Millisecond)
	p.close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("acquire on closed pool should return false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked waiter never woke after close")
	}
}

func TestPoolMinimumSize(t *testing.T) {
	p := newWorkerPool(0)
	if !p.acquire() {
		t.Fatal("zero-size pool should clamp to 1 slot")
	}
	p.release()
}
