package cabinet

import "sync"

// workQueue is the FIFO shared by the workers. The lock is held only
// for the push or pop itself, never while a cabinet is built.
type workQueue struct {
	mu    sync.Mutex
	items []*WorkItem
}

func (q *workQueue) push(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *workQueue) pop() (*WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain empties the queue and returns how many items were dropped.
func (q *workQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
