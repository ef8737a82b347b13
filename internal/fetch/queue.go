package fetch

import (
	"maps"
	"sync"
)

// TaskQueue collects fetch requests from any goroutine for the worker.
// Requests for the same path merge, keeping the highest priority.
type TaskQueue struct {
	mu      sync.Mutex
	pending map[string]Priority
	ready   chan struct{}
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		pending: make(map[string]Priority),
		ready:   make(chan struct{}, 1),
	}
}

// Push queues paths at priority p and wakes the worker.
func (q *TaskQueue) Push(p Priority, paths ...string) {
	if len(paths) == 0 {
		return
	}
	q.mu.Lock()
	for _, path := range paths {
		if cur, ok := q.pending[path]; !ok || p > cur {
			q.pending[path] = p
		}
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value after Push. A receive
// does not guarantee the queue is non-empty.
func (q *TaskQueue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued paths.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PopAll removes and returns every queued path with its priority.
func (q *TaskQueue) PopAll() map[string]Priority {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := maps.Clone(q.pending)
	clear(q.pending)
	return out
}
