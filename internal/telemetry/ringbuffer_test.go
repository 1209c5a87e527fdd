package telemetry

import (
	"sync"
	"testing"
)

// TestRingBufferBasic tests basic add and retrieval operations.
func TestRingBufferBasic(t *testing.T) {
	rb := NewRingBuffer[int](3)

	if rb.Size() != 0 {
		t.Fatalf("expected size 0, got %d", rb.Size())
	}
	if rb.Capacity() != 3 {
		t.Fatalf("expected capacity 3, got %d", rb.Capacity())
	}
	if _, ok := rb.Last(); ok {
		t.Fatal("expected no last item on empty buffer")
	}

	rb.Add(1)
	rb.Add(2)

	all := rb.GetAll()
	expected := []int{1, 2}
	if len(all) != len(expected) {
		t.Fatalf("expected %d items, got %d", len(expected), len(all))
	}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}
}

// TestRingBufferWrapping tests that the oldest items are evicted first.
func TestRingBufferWrapping(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Add(i)
	}

	all := rb.GetAll()
	expected := []int{3, 4, 5}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}

	last, ok := rb.Last()
	if !ok || last != 5 {
		t.Errorf("expected last 5, got %d (ok=%v)", last, ok)
	}
	if rb.Total() != 5 {
		t.Errorf("expected total 5, got %d", rb.Total())
	}
}

func TestRingBufferGetRecent(t *testing.T) {
	rb := NewRingBuffer[int](4)
	for i := 1; i <= 6; i++ {
		rb.Add(i)
	}

	recent := rb.GetRecent(2)
	if len(recent) != 2 || recent[0] != 5 || recent[1] != 6 {
		t.Errorf("expected [5 6], got %v", recent)
	}
	if got := rb.GetRecent(10); len(got) != 4 {
		t.Errorf("expected all 4 items, got %d", len(got))
	}
	if got := rb.GetRecent(0); got != nil {
		t.Errorf("expected nil for n=0, got %v", got)
	}
}

// TestRingBufferGetAllIsCopy verifies callers cannot mutate internal state.
func TestRingBufferGetAllIsCopy(t *testing.T) {
	rb := NewRingBuffer[int](3)
	rb.Add(1)
	rb.Add(2)

	all := rb.GetAll()
	all[0] = 99

	if got := rb.GetAll()[0]; got != 1 {
		t.Errorf("internal state mutated through returned slice: got %d", got)
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer[int](3)
	rb.Add(1)
	rb.Add(2)
	rb.Add(3)
	rb.Add(4)
	rb.Clear()

	if rb.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", rb.Size())
	}
	if rb.Total() != 4 {
		t.Errorf("expected total to survive clear, got %d", rb.Total())
	}

	rb.Add(7)
	all := rb.GetAll()
	if len(all) != 1 || all[0] != 7 {
		t.Errorf("expected [7] after clear+add, got %v", all)
	}
}

func TestRingBufferPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero capacity")
		}
	}()
	NewRingBuffer[int](0)
}

// TestRingBufferConcurrent exercises the buffer under the race detector.
func TestRingBufferConcurrent(t *testing.T) {
	rb := NewRingBuffer[int](50)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Add(base + i)
				_ = rb.GetAll()
			}
		}(w * 1000)
	}
	wg.Wait()

	if rb.Size() != 50 {
		t.Errorf("expected size 50, got %d", rb.Size())
	}
	if rb.Total() != 800 {
		t.Errorf("expected total 800, got %d", rb.Total())
	}
}
