package reactor

// timerHeap is a container/heap min-heap of timer channels, ordered by
// next-fire time.
type timerHeap []*channel

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].nextFireNanos < h[j].nextFireNanos
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	ch := x.(*channel)
	ch.heapIndex = len(*h)
	*h = append(*h, ch)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	ch := old[n-1]
	old[n-1] = nil
	ch.heapIndex = -1
	*h = old[:n-1]
	return ch
}
