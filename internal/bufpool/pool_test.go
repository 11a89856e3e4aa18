package bufpool

import (
	"testing"
)

func TestPoolGetReturnsExactSize(t *testing.T) {
	pool := New(16384)
	for i := 0; i < 8; i++ {
		buf := pool.Get()
		if len(buf) != 16384 {
			t.Fatalf("Get() len = %d, want 16384", len(buf))
		}
		pool.Put(buf)
	}
	if pool.BufSize() != 16384 {
		t.Errorf("BufSize() = %d, want 16384", pool.BufSize())
	}
}

func TestPoolPutResliced(t *testing.T) {
	pool := New(64)
	buf := pool.Get()
	// A short final chunk is handed back resliced; it must come out full length.
	pool.Put(buf[:10])
	again := pool.Get()
	if len(again) != 64 {
		t.Fatalf("Get() after short Put len = %d, want 64", len(again))
	}
}

func TestPoolDropsUndersized(t *testing.T) {
	pool := New(64)
	pool.Put(make([]byte, 8))
	for i := 0; i < 4; i++ {
		if got := len(pool.Get()); got != 64 {
			t.Fatalf("Get() len = %d, want 64", got)
		}
	}
}

func TestNewPanicsOnNonPositive(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero size")
		}
	}()
	New(0)
}
