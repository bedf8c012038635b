package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	locks := New()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("aziz ahmed")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", counter)
	}
	if locks.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", locks.Len())
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	locks := New()
	unlock := locks.Lock("k")
	unlock()
	unlock()

	again := locks.Lock("k")
	again()
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	locks := New()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
}
