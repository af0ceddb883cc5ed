package scheduler

import "container/heap"

// taskQueue is a container/heap priority queue: higher priority first, then
// earlier submission time, then submission order.
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return byPriority(q[i], q[j])
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *taskQueue) push(e *entry) {
	heap.Push(q, e)
}

func (q *taskQueue) remove(e *entry) {
	if e.index >= 0 && e.index < len(*q) && (*q)[e.index] == e {
		heap.Remove(q, e.index)
	}
}

// drain pops every entry in priority order, leaving the queue empty.
func (q *taskQueue) drain() []*entry {
	out := make([]*entry, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, heap.Pop(q).(*entry))
	}
	return out
}

func byPriority(a, b *entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.seq < b.seq
}
