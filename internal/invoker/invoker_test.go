package invoker

import (
	"sync/atomic"
	"testing"
)

func TestTasksRunInOrder(t *testing.T) {
	s := NewSerial()
	defer s.Stop()

	var order []int
	for i := 0; i < 100; i++ {
		s.Post(func() { order = append(order, i) })
	}
	s.PostAndWait(func() {})

	if len(order) != 100 {
		t.Fatalf("ran %d tasks", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran out of order (got %d)", i, v)
		}
	}
}

func TestPostAndWaitBlocks(t *testing.T) {
	s := NewSerial()
	defer s.Stop()

	var done atomic.Bool
	s.PostAndWait(func() { done.Store(true) })
	if !done.Load() {
		t.Fatal("PostAndWait returned before the task ran")
	}
}

func TestPostAfterStopIsDropped(t *testing.T) {
	s := NewSerial()
	s.Stop()
	// Must not panic or block.
	s.Post(func() { t.Error("task ran after stop") })
}
