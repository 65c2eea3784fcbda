package insertonly

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGetOrInsert_SameKeyReturnsSamePointer(t *testing.T) {
	m := New[string, int]()

	a := m.GetOrInsert("x", func() *int { v := 1; return &v })
	b := m.GetOrInsert("x", func() *int { v := 2; return &v })

	if a != b {
		t.Fatalf("expected same pointer for repeated lookups, got %p != %p", a, b)
	}
	if *a != 1 {
		t.Fatalf("expected first-inserted value to win, got %d", *a)
	}
}

func TestGetOrInsert_ConcurrentCreatesOnce(t *testing.T) {
	m := New[string, int32]()
	var creates int32

	var wg sync.WaitGroup
	results := make([]*int32, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrInsert("shared", func() *int32 {
				atomic.AddInt32(&creates, 1)
				v := int32(0)
				return &v
			})
		}(i)
	}
	wg.Wait()

	if creates != 1 {
		t.Fatalf("expected exactly one create call, got %d", creates)
	}
	for i, r := range results {
		if r != results[0] {
			t.Fatalf("goroutine %d got a different pointer than goroutine 0", i)
		}
	}
	if m.Len() != 1 {
		t.Fatalf("expected map length 1, got %d", m.Len())
	}
}

func TestGetOrInsert_DistinctKeysNeverCollide(t *testing.T) {
	m := New[int, string]()
	for i := 0; i < 10; i++ {
		i := i
		v := m.GetOrInsert(i, func() *string { s := "created"; return &s })
		if *v != "created" {
			t.Fatalf("key %d: unexpected value %q", i, *v)
		}
	}
	if m.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", m.Len())
	}
}
