package inflight

import (
	"sync"
	"testing"
)

func TestGuard_TryAcquireRelease(t *testing.T) {
	g := NewGuard()

	if !g.TryAcquire("s1") {
		t.Fatal("first acquire should succeed")
	}
	if g.TryAcquire("s1") {
		t.Fatal("second acquire for the same session should fail")
	}
	if !g.TryAcquire("s2") {
		t.Fatal("acquire for a different session should succeed")
	}

	g.Release("s1")
	if !g.TryAcquire("s1") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestGuard_ReleaseUnheldIsNoop(t *testing.T) {
	g := NewGuard()
	g.Release("never-held")
	if !g.TryAcquire("never-held") {
		t.Fatal("acquire should succeed after releasing an unheld session")
	}
}

func TestGuard_AtMostOneHolder(t *testing.T) {
	g := NewGuard()

	const goroutines = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("s1") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Fatalf("expected exactly one successful acquire, got %d", acquired)
	}
	if !g.Held("s1") {
		t.Fatal("session should still be held")
	}
}
