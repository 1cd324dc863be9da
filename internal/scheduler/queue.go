package scheduler

import (
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// pendingQueue holds pending tasks in dispatch order. Insertion places a new
// task immediately before the first queued task whose priority is strictly
// lower, so arrivals of equal priority stay FIFO while higher-priority
// arrivals jump ahead of everything below them.
type pendingQueue struct {
	items []*task.Task
}

func (q *pendingQueue) insert(t *task.Task) {
	at := len(q.items)
	for i, it := range q.items {
		if it.Priority.Weight() < t.Priority.Weight() {
			at = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = t
}

func (q *pendingQueue) remove(id string) *task.Task {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it
		}
	}
	return nil
}

func (q *pendingQueue) removeAt(i int) *task.Task {
	t := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return t
}

func (q *pendingQueue) len() int { return len(q.items) }
