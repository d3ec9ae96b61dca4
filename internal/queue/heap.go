package queue

import (
	"time"

	"github.com/seantiz/forge/internal/model"
)

// entry is the queue's record of one task. seq is the submission order and
// breaks ties between tasks of equal priority and creation time.
type entry struct {
	task  model.Task
	seq   uint64
	unmet int
	index int // position in readyHeap, -1 when not queued
}

// readyHeap orders ready tasks by priority (highest first), then creation
// time, then submission order. It implements container/heap.Interface.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func now() time.Time { return time.Now().UTC() }
