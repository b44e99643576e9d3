package connection

// ring is a FIFO ring buffer that doubles its capacity when it reaches 70%
// full. It is not safe for concurrent use; Queue serializes access.
type ring[T any] struct {
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
}

func newRing[T any](initialCapacity int) *ring[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &ring[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
}

// pushBack appends item. Grows the buffer if at 70% capacity.
func (b *ring[T]) pushBack(item T) {
	b.growIfNeeded()
	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
}

// pushFront inserts item ahead of every queued item.
func (b *ring[T]) pushFront(item T) {
	b.growIfNeeded()
	b.head = (b.head - 1 + b.capacity) % b.capacity
	b.buf[b.head] = item
	b.count++
}

// popFront removes and returns the oldest item.
func (b *ring[T]) popFront() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.buf[b.head]
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	return item, true
}

// drainTo removes up to max items (all when max <= 0) in FIFO order.
func (b *ring[T]) drainTo(max int) []T {
	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := b.popFront()
		result = append(result, item)
	}
	return result
}

// retain keeps only the items for which keep returns true, preserving order.
// Returns the number removed.
func (b *ring[T]) retain(keep func(T) bool) int {
	items := b.drainTo(0)
	removed := 0
	for _, item := range items {
		if keep(item) {
			b.pushBack(item)
		} else {
			removed++
		}
	}
	return removed
}

func (b *ring[T]) len() int {
	return b.count
}

func (b *ring[T]) growIfNeeded() {
	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}
}

// grow doubles the buffer capacity.
func (b *ring[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			// Contiguous: [head...tail)
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
}
