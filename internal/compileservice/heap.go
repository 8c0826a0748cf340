package compileservice

// longEntry pairs a retired Task with the handler duration it was ranked
// by, so the long-task heap doesn't need to re-lock the task on every
// comparison.
type longEntry struct {
	task     *Task
	duration int64 // nanoseconds
}

// longHeap is a min-heap by duration: the root is the shortest-running
// "long" task, the first one displaced when a longer one needs the slot,
// per spec.md §4.6 "long (min-heap by handler-time, size ≤ max_long_tasks)".
type longHeap []*longEntry

func (h longHeap) Len() int            { return len(h) }
func (h longHeap) Less(i, j int) bool  { return h[i].duration < h[j].duration }
func (h longHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *longHeap) Push(x interface{}) { *h = append(*h, x.(*longEntry)) }
func (h *longHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
