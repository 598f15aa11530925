package queue

import (
	"fmt"
	"testing"
	"time"

	"taskpilot/internal/task"
)

func exec(id string, prio task.Priority) *task.Execution {
	return &task.Execution{
		ID:       id,
		Name:     "t-" + id,
		Type:     "noop",
		Status:   task.StatusQueued,
		Priority: prio,
		QueuedAt: time.Now(),
	}
}

func TestDequeueOrdersByPriorityBand(t *testing.T) {
	t.Parallel()
	q := New()
	q.Enqueue(exec("low", task.PriorityLow))
	q.Enqueue(exec("med", task.PriorityMedium))
	q.Enqueue(exec("high", task.PriorityHigh))

	want := []string{"high", "med", "low"}
	for _, id := range want {
		e := q.Dequeue()
		if e == nil {
			t.Fatalf("Dequeue returned nil, want %s", id)
		}
		if e.ID != id {
			t.Fatalf("Dequeue = %s, want %s", e.ID, id)
		}
	}
	if e := q.Dequeue(); e != nil {
		t.Fatalf("Dequeue on empty queue = %v, want nil", e)
	}
}

func TestFIFOWithinBand(t *testing.T) {
	t.Parallel()
	q := New()
	for i := 0; i < 5; i++ {
		q.Enqueue(exec(fmt.Sprintf("m%d", i), task.PriorityMedium))
	}
	for i := 0; i < 5; i++ {
		e := q.Dequeue()
		if want := fmt.Sprintf("m%d", i); e.ID != want {
			t.Fatalf("Dequeue = %s, want %s", e.ID, want)
		}
	}
}

func TestEnqueueIgnoresDuplicatesAndNonQueued(t *testing.T) {
	t.Parallel()
	q := New()
	e := exec("a", task.PriorityHigh)
	q.Enqueue(e)
	q.Enqueue(e) // duplicate id
	running := exec("b", task.PriorityHigh)
	running.Status = task.StatusRunning
	q.Enqueue(running)

	if got := q.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	q := New()
	q.Enqueue(exec("keep", task.PriorityMedium))
	q.Enqueue(exec("drop", task.PriorityHigh))

	if !q.Remove("drop") {
		t.Fatal("Remove(drop) = false, want true")
	}
	if q.Remove("drop") {
		t.Fatal("second Remove(drop) = true, want false")
	}
	if q.Contains("drop") {
		t.Fatal("Contains(drop) after Remove")
	}
	if e := q.Dequeue(); e == nil || e.ID != "keep" {
		t.Fatalf("Dequeue = %v, want keep", e)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	q := New()
	oldest := time.Now().Add(-time.Minute)
	first := exec("h1", task.PriorityHigh)
	first.QueuedAt = oldest
	q.Enqueue(first)
	q.Enqueue(exec("l1", task.PriorityLow))
	q.Enqueue(exec("l2", task.PriorityLow))

	st := q.Stats()
	if st.Total != 3 {
		t.Fatalf("Total = %d, want 3", st.Total)
	}
	if st.ByBand[task.PriorityLow] != 2 || st.ByBand[task.PriorityHigh] != 1 {
		t.Fatalf("ByBand = %v", st.ByBand)
	}
	if !st.OldestQueuedAt.Equal(oldest) {
		t.Fatalf("OldestQueuedAt = %v, want %v", st.OldestQueuedAt, oldest)
	}
}

func TestNotifySignalsEnqueue(t *testing.T) {
	t.Parallel()
	q := New()
	q.Enqueue(exec("x", task.PriorityMedium))
	select {
	case <-q.Notify():
	case <-time.After(time.Second):
		t.Fatal("no notify signal after Enqueue")
	}
}
