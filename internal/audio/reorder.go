package audio

import (
	"container/heap"
	"sync"
)

const DefaultWindow = 20

// Sink receives frames in release order.
type Sink func(Frame)

// Reorderer releases a timed frame as soon as it is not older than the last
// released one, then drains any held frame newer than that. Older frames are
// held while there is room and passed through once the buffer is full. Flush
// releases what is still held in timestamp order. Untimed frames bypass it.
type Reorderer struct {
	mu       sync.Mutex
	capacity int
	held     frameHeap
	seq      uint64
	sink     Sink
	last     uint32
}

func NewReorderer(capacity int, sink Sink) *Reorderer {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Reorderer{capacity: capacity, sink: sink}
}

func (r *Reorderer) Push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !f.Timed {
		r.sink(f)
		return
	}

	if f.Timestamp >= r.last {
		r.last = f.Timestamp
		r.sink(f)
		for r.held.Len() > 0 && r.held[0].frame.Timestamp > r.last {
			r.releaseLocked()
		}
		return
	}

	if r.held.Len() < r.capacity {
		heap.Push(&r.held, heldFrame{frame: f, seq: r.seq})
		r.seq++
		return
	}
	r.sink(f)
}

// Flush releases every held frame in order; call it when an utterance or the
// stream ends.
func (r *Reorderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.held.Len() > 0 {
		r.releaseLocked()
	}
}

// Pending reports how many frames are held.
func (r *Reorderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held.Len()
}

func (r *Reorderer) releaseLocked() {
	next := heap.Pop(&r.held).(heldFrame)
	if next.frame.Timestamp > r.last {
		r.last = next.frame.Timestamp
	}
	r.sink(next.frame)
}

type heldFrame struct {
	frame Frame
	seq   uint64
}

type frameHeap []heldFrame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].frame.Timestamp != h[j].frame.Timestamp {
		return h[i].frame.Timestamp < h[j].frame.Timestamp
	}
	return h[i].seq < h[j].seq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) { *h = append(*h, x.(heldFrame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
