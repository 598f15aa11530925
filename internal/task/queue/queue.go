// Package queue holds due task executions in priority order until an
// executor worker picks them up.
//
// The queue is purely in-memory and owns no durable state: it is rebuilt
// from the store's queued rows on process start. It never talks to storage
// itself; persisting the queued row is the caller's job.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"taskpilot/internal/task"
)

// Queue orders executions by (priority weight asc, enqueue sequence asc).
// Ties within one band are FIFO by submission order. An item is never
// re-ordered after enqueue (no priority aging).
type Queue struct {
	mu    sync.Mutex
	items execHeap
	byID  map[string]*item

	seq uint64

	// notify wakes a single waiting worker after an enqueue.
	// Buffered so Enqueue never blocks.
	notify chan struct{}
}

type item struct {
	exec *task.Execution
	seq  uint64
	pos  int // heap index, maintained by execHeap
}

func New() *Queue {
	return &Queue{
		byID:   map[string]*item{},
		notify: make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a tick after enqueues.
// Workers select on it together with their stop channels; a wakeup is a
// hint, not a guarantee that Dequeue will return an item.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Enqueue inserts a queued execution. Duplicate ids are ignored.
func (q *Queue) Enqueue(e *task.Execution) {
	if e == nil || e.Status != task.StatusQueued {
		return
	}
	q.mu.Lock()
	if _, dup := q.byID[e.ID]; dup {
		q.mu.Unlock()
		return
	}
	q.seq++
	it := &item{exec: e, seq: q.seq}
	q.byID[e.ID] = it
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the highest-priority execution, or nil when
// the queue is empty.
func (q *Queue) Dequeue() *task.Execution {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byID, it.exec.ID)
	return it.exec
}

// Remove takes a still-queued execution out of the queue (cancellation path).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.byID, id)
	return true
}

// Contains reports whether the execution is currently queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// PeekBand returns the queued executions of one priority band in dequeue
// order, without mutating the queue.
func (q *Queue) PeekBand(band task.Priority) []*task.Execution {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*task.Execution, 0, 8)
	for _, it := range q.items {
		if it.exec.Priority == band {
			out = append(out, it.exec)
		}
	}
	sortBySeq(q, out)
	return out
}

// Stats is a point-in-time view for observability.
type Stats struct {
	Total          int                   `json:"total"`
	ByBand         map[task.Priority]int `json:"by_band"`
	OldestQueuedAt time.Time             `json:"oldest_queued_at,omitempty"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Total:  q.items.Len(),
		ByBand: map[task.Priority]int{},
	}
	for _, it := range q.items {
		st.ByBand[it.exec.Priority]++
		if st.OldestQueuedAt.IsZero() || it.exec.QueuedAt.Before(st.OldestQueuedAt) {
			st.OldestQueuedAt = it.exec.QueuedAt
		}
	}
	return st
}

func sortBySeq(q *Queue, execs []*task.Execution) {
	// Insertion sort on the (small) band slice using the stored sequence.
	for i := 1; i < len(execs); i++ {
		for j := i; j > 0; j-- {
			a, b := q.byID[execs[j-1].ID], q.byID[execs[j].ID]
			if a == nil || b == nil || a.seq <= b.seq {
				break
			}
			execs[j-1], execs[j] = execs[j], execs[j-1]
		}
	}
}

// ---- heap implementation ----

type execHeap []*item

func (h execHeap) Len() int { return len(h) }

func (h execHeap) Less(i, j int) bool {
	wi, wj := h[i].exec.Priority.Weight(), h[j].exec.Priority.Weight()
	if wi != wj {
		return wi < wj
	}
	return h[i].seq < h[j].seq
}

func (h execHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *execHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *execHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
