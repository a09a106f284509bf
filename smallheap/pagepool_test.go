package smallheap

import "testing"

func TestPagePoolPopPushOrder(t *testing.T) {
	pool := newPagePool(4)

	seen := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		idx, ok := pool.pop()
		if !ok {
			t.Fatalf("pop() #%d: ok = false, want true", i)
		}
		if seen[idx] {
			t.Fatalf("pop() returned page %d twice", idx)
		}
		seen[idx] = true
	}

	if _, ok := pool.pop(); ok {
		t.Fatal("pop() on an exhausted pool returned ok = true")
	}

	pool.push(2)
	idx, ok := pool.pop()
	if !ok || idx != 2 {
		t.Fatalf("pop() after push(2) = (%d, %v), want (2, true)", idx, ok)
	}
}

func TestPagePoolZeroCapacity(t *testing.T) {
	pool := newPagePool(0)
	if _, ok := pool.pop(); ok {
		t.Fatal("pop() on a zero-capacity pool returned ok = true")
	}
}

func TestPagePoolDoublePushPanics(t *testing.T) {
	pool := newPagePool(2)
	idx, ok := pool.pop()
	if !ok {
		t.Fatal("pop() ok = false")
	}
	pool.push(idx)

	defer func() {
		if recover() == nil {
			t.Fatal("pushing a page index already in the pool did not panic")
		}
	}()
	pool.push(idx)
}
