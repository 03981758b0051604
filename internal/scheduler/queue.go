package scheduler

import (
	"container/heap"
	"sync"
)

// queueItem pairs a task with the sequence number that makes ordering
// stable: within a priority band, lower sequence pops first.
//
// A retried task is pushed with a fresh sequence, so it re-enters at the
// back of its band. Its order relative to same-priority tasks submitted
// while it was backing off is push order, not original submission order.
type queueItem struct {
	task  *task
	seq   uint64
	index int
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.priority != h[j].task.priority {
		return h[i].task.priority > h[j].task.priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// taskQueue is a blocking stable priority queue. Workers park on the
// condition variable; there is no poll loop.
type taskQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	nextSeq uint64
	closed  bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task and wakes one waiting worker. Pushing to a
// closed queue is a no-op.
func (q *taskQueue) push(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.heap, &queueItem{task: t, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
}

// pop blocks until a task is available or the queue is closed. The
// second return is false only when the queue is closed and drained.
func (q *taskQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	item := heap.Pop(&q.heap).(*queueItem)
	return item.task, true
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// close stops intake and releases every parked worker once the heap
// drains.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
