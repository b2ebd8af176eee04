package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	k := NewKeyedLocker()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unlock, err := k.Lock(context.Background(), "tbl")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
	if len(k.locks) != 0 {
		t.Fatalf("expected lock table to be emptied, got %d entries", len(k.locks))
	}
}

func TestKeyedLocker_DifferentKeysIndependent(t *testing.T) {
	k := NewKeyedLocker()
	_, unlockA, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, unlockB, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected b to be free, got %v", err)
	}
	unlockB()
}

func TestKeyedLocker_ContextCancelled(t *testing.T) {
	k := NewKeyedLocker()
	lctx, unlock, _ := k.Lock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if lctx.Err() != nil {
		t.Fatalf("expected hold context alive until unlock")
	}
	unlock()
	unlock() // second call is a no-op
	if lctx.Err() == nil {
		t.Fatalf("expected hold context done after unlock")
	}
	if len(k.locks) != 0 {
		t.Fatalf("expected no leaked entries, got %d", len(k.locks))
	}
}
