package persistence

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_ExcludesSameKey(t *testing.T) {
	km := newKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside.Load())
	}
	if km.held() != 0 {
		t.Fatalf("expected lock table to drain, got %d", km.held())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}
