package eventqueue

import (
	"container/heap"
	"time"
)

// Timer is a periodic registration created by Dispatcher.Every.
type Timer struct {
	d      *Dispatcher
	period time.Duration
	task   Task
	next   time.Time
	index  int
}

func (t *Timer) Period() time.Duration { return t.period }

// Cancel disarms the timer before its next firing. Firings already handed to
// the worker still complete. It reports whether the timer was armed.
func (t *Timer) Cancel() bool {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&d.timers, t.index)
	return true
}

// timerHeap orders timers by next deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
