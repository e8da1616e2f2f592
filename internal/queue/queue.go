// Package queue provides a value-based binary min-heap with a
// caller-supplied ordering. The read path uses it to k-way merge the
// record streams of overlapping data files.
package queue

// Heap is a binary min-heap over T. Storage is value-based so the
// backing slice stays compact; ordering comes from the less function
// given at construction.
//
// A Heap is not safe for concurrent use.
type Heap[T any] struct {
	less  func(a, b T) bool
	items []T
}

// New returns an empty heap with the given capacity hint.
func New[T any](capacity int, less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{less: less, items: make([]T, 0, capacity)}
}

// Len returns the number of elements in the heap.
func (h *Heap[T]) Len() int { return len(h.items) }

// Top returns the minimum element without removing it.
func (h *Heap[T]) Top() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (h *Heap[T]) Push(item T) {
	h.items = append(h.items, item)
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the minimum element while maintaining the
// heap invariant.
func (h *Heap[T]) Pop() (T, bool) {
	n := len(h.items)
	if n == 0 {
		var zero T
		return zero, false
	}
	root := h.items[0]
	last := h.items[n-1]
	var zero T
	h.items[n-1] = zero // clear for GC
	h.items = h.items[:n-1]
	if n-1 > 0 {
		h.items[0] = last
		h.siftDown(0)
	}
	return root, true
}

// FixTop restores the invariant after the caller changed the ordering
// of the minimum element in place. Cheaper than Pop followed by Push.
func (h *Heap[T]) FixTop() {
	if len(h.items) > 0 {
		h.siftDown(0)
	}
}

// Reset clears the heap for reuse, keeping the backing slice.
func (h *Heap[T]) Reset() {
	clear(h.items)
	h.items = h.items[:0]
}

func (h *Heap[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.items[i], h.items[p]) {
			return
		}
		h.items[i], h.items[p] = h.items[p], h.items[i]
		i = p
	}
}

func (h *Heap[T]) siftDown(i int) {
	n := len(h.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && h.less(h.items[r], h.items[l]) {
			best = r
		}
		if !h.less(h.items[best], h.items[i]) {
			return
		}
		h.items[i], h.items[best] = h.items[best], h.items[i]
		i = best
	}
}
