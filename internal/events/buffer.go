package events

import (
	"sync"

	"github.com/mikeyg42/classycam/internal/zone"
)

// Buffer is a thread-safe ring of the most recent zone events. When full, the
// oldest event is overwritten.
type Buffer struct {
	mu       sync.RWMutex
	data     []zone.Event
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
	dropped  uint64
}

// NewBuffer creates a buffer holding at most capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		data:     make([]zone.Event, capacity),
		capacity: capacity,
	}
}

// Add appends events in order.
func (b *Buffer) Add(evs ...zone.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range evs {
		b.data[b.head] = ev
		b.head = (b.head + 1) % b.capacity

		if b.size < b.capacity {
			b.size++
		} else {
			b.tail = (b.tail + 1) % b.capacity
			b.dropped++
		}
	}
}

// GetAll returns all buffered events, oldest first, without removing them.
func (b *Buffer) GetAll() []zone.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collect()
}

// GetRecent returns the n most recent events, oldest first.
func (b *Buffer) GetRecent(n int) []zone.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.size == 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}

	result := make([]zone.Event, n)
	for i := 0; i < n; i++ {
		idx := (b.head - 1 - i + b.capacity) % b.capacity
		result[n-1-i] = b.data[idx]
	}
	return result
}

// Drain returns all buffered events, oldest first, and empties the buffer.
func (b *Buffer) Drain() []zone.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.collect()
	b.reset()
	return out
}

// Size returns the number of buffered events.
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Dropped counts events overwritten before anyone read them.
func (b *Buffer) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *Buffer) collect() []zone.Event {
	if b.size == 0 {
		return nil
	}
	result := make([]zone.Event, b.size)
	current := b.tail
	for i := 0; i < b.size; i++ {
		result[i] = b.data[current]
		current = (current + 1) % b.capacity
	}
	return result
}

func (b *Buffer) reset() {
	clear(b.data)
	b.size = 0
	b.head = 0
	b.tail = 0
}
