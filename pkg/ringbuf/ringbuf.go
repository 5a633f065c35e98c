package ringbuf

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned by Get for an index outside [0, Len()-1].
var ErrIndexOutOfRange = errors.New("index out of range")

// Buffer is a fixed-capacity FIFO ring buffer. Once full, every Insert
// overwrites the oldest element. Index 0 is always the oldest retained element.
//
// Buffer is not safe for concurrent use.
type Buffer[T any] struct {
	data []T
	head int // index of the oldest element in data
	size int
}

// New creates a buffer holding at most capacity elements.
// It panics if capacity is less than 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("ringbuf: invalid capacity %d", capacity))
	}
	return &Buffer[T]{
		data: make([]T, capacity),
	}
}

// Insert appends v, evicting the oldest element when the buffer is full.
func (b *Buffer[T]) Insert(v T) {
	if b.size < len(b.data) {
		b.data[(b.head+b.size)%len(b.data)] = v
		b.size++
		return
	}
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
}

// Len returns the number of retained elements.
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.data)
}

// Get returns the element at index i, where 0 is the oldest.
func (b *Buffer[T]) Get(i int) (T, error) {
	if i < 0 || i >= b.size {
		var zero T
		return zero, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, b.size)
	}
	return b.data[(b.head+i)%len(b.data)], nil
}

// AppendValues appends the retained elements, oldest first, to dst and
// returns the extended slice.
func (b *Buffer[T]) AppendValues(dst []T) []T {
	for i := 0; i < b.size; i++ {
		dst = append(dst, b.data[(b.head+i)%len(b.data)])
	}
	return dst
}

// Reset drops all elements, keeping the capacity.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.head = 0
	b.size = 0
}
