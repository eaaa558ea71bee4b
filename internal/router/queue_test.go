package router

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](10)
	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}
	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}
	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		if !ok || v != i {
			t.Fatalf("TryPop() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop on empty queue returned true")
	}
}

func TestQueue_GrowsAt70Percent(t *testing.T) {
	q := NewQueue[int](10)
	for i := 0; i < 7; i++ {
		q.Push(i)
	}
	st := q.Stats()
	if st.Capacity != 20 || st.Resizes != 1 {
		t.Errorf("Capacity=%d Resizes=%d, want 20/1", st.Capacity, st.Resizes)
	}
	if st.HighMark != 7 {
		t.Errorf("HighMark = %d, want 7", st.HighMark)
	}
}

func TestQueue_GrowPreservesWrappedOrder(t *testing.T) {
	q := NewQueue[int](10)
	next := 0
	for i := 0; i < 5; i++ {
		q.Push(next)
		next++
	}
	for i := 0; i < 4; i++ {
		q.TryPop()
	}
	// Wrap the tail around, then force growth.
	for i := 0; i < 12; i++ {
		q.Push(next)
		next++
	}
	want := 4
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		if v != want {
			t.Fatalf("popped %d, want %d", v, want)
		}
		want++
	}
	if want != next {
		t.Errorf("drained up to %d, want %d", want, next)
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := NewQueue[string](4)
	q.Push("a")
	q.Close()

	if q.Push("b") {
		t.Error("Push after Close returned true")
	}
	if v, ok := q.Pop(); !ok || v != "a" {
		t.Errorf("Pop() = %q, %v; want a, true", v, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on closed empty queue returned true")
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[int](4)
	var wg sync.WaitGroup
	var got int
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = q.Pop()
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(42)
	wg.Wait()

	if got != 42 {
		t.Errorf("Pop() = %d, want 42", got)
	}
}
