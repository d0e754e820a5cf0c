package download

import (
	"container/heap"
	"sync"
)

// Queue is a blocking priority queue of tasks. Higher priority leaves
// first; equal priorities leave in arrival order. At most one task per
// item: an item stays reserved from Pop until Release or Requeue, so
// re-adding a queued or in-flight item is a no-op.
type Queue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	tasks      taskHeap
	byItem     map[string]*Task
	dispatched map[string]struct{}
	nextSeq    uint64
	paused     bool
	closed     bool
}

func NewQueue() *Queue {
	q := &Queue{
		byItem:     make(map[string]*Task),
		dispatched: make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues the task. It reports false when the queue is closed or a
// task for the same item is already waiting or dispatched.
func (q *Queue) Push(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.push(task)
}

// push enqueues under q.mu held.
func (q *Queue) push(task *Task) bool {
	if q.closed {
		return false
	}
	if _, exists := q.byItem[task.Item.ID]; exists {
		return false
	}
	if _, exists := q.dispatched[task.Item.ID]; exists {
		return false
	}

	task.seq = q.nextSeq
	q.nextSeq++
	q.byItem[task.Item.ID] = task
	heap.Push(&q.tasks, task)
	q.cond.Signal()
	return true
}

// Pop blocks until a task is available and the queue is not paused. It
// reports false once the queue is closed. The popped item stays reserved
// until the caller hands it back through Release or Requeue.
func (q *Queue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for (len(q.tasks) == 0 || q.paused) && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	task := heap.Pop(&q.tasks).(*Task)
	delete(q.byItem, task.Item.ID)
	q.dispatched[task.Item.ID] = struct{}{}
	return task, true
}

// Release drops the reservation a Pop took out, letting the item be
// pushed again.
func (q *Queue) Release(itemID string) {
	q.mu.Lock()
	delete(q.dispatched, itemID)
	q.mu.Unlock()
}

// Requeue atomically trades the reservation for a fresh queue slot, so no
// competing Push can slip a second task for the item in between.
func (q *Queue) Requeue(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dispatched, task.Item.ID)
	return q.push(task)
}

// Pause stops Pop from handing out tasks without dropping the backlog.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets blocked Pop calls proceed again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Contains reports whether a task for the item is waiting or dispatched.
func (q *Queue) Contains(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byItem[itemID]; ok {
		return true
	}
	_, ok := q.dispatched[itemID]
	return ok
}

// Close unblocks every waiter; subsequent Push and Pop calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Snapshot returns the queued tasks in pop order without removing them.
func (q *Queue) Snapshot() []TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	infos := make([]TaskInfo, 0, len(q.tasks))
	for _, task := range q.tasks {
		infos = append(infos, task.info())
	}
	sortTaskInfos(infos)
	return infos
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}
