// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ring implements a bounded ring buffer that overwrites its
// oldest elements when full, and a concurrency safe queue built on it.
package ring

import "sync"

// Buffer is a fixed size ring buffer. When a write would overflow the
// buffer, the oldest elements are discarded.
type Buffer[T any] struct {
	data    []T
	head, n int
}

// NewBuffer returns a Buffer holding at most n elements.
func NewBuffer[T any](n int) *Buffer[T] {
	return &Buffer[T]{data: make([]T, n)}
}

// Len returns the number of elements held.
func (r *Buffer[T]) Len() int {
	return r.n
}

// Size returns the capacity of the buffer.
func (r *Buffer[T]) Size() int {
	return len(r.data)
}

// Write appends src to the buffer and returns the number of elements
// that were discarded to make room, including elements of src that
// could not fit.
func (r *Buffer[T]) Write(src []T) (dropped int) {
	size := len(r.data)
	if size == 0 {
		return len(src)
	}
	if len(src) >= size {
		dropped = r.n + len(src) - size
		r.clear(r.head, r.n)
		copy(r.data, src[len(src)-size:])
		r.head = 0
		r.n = size
		return dropped
	}
	if over := r.n + len(src) - size; over > 0 {
		r.Advance(over)
		dropped = over
	}
	tail := (r.head + r.n) % size
	k := copy(r.data[tail:], src)
	copy(r.data, src[k:])
	r.n += len(src)
	return dropped
}

// Read copies the oldest elements into dst, removes them from the
// buffer and returns the number of elements copied.
func (r *Buffer[T]) Read(dst []T) int {
	n := r.CopyTo(dst)
	r.Advance(n)
	return n
}

// CopyTo copies the oldest elements into dst without removing them.
func (r *Buffer[T]) CopyTo(dst []T) int {
	n := min(len(dst), r.n)
	if n == 0 {
		return 0
	}
	k := copy(dst[:n], r.data[r.head:min(r.head+n, len(r.data))])
	copy(dst[k:n], r.data)
	return n
}

// Advance discards the n oldest elements.
func (r *Buffer[T]) Advance(n int) {
	n = min(n, r.n)
	if n <= 0 {
		return
	}
	r.clear(r.head, n)
	r.head = (r.head + n) % len(r.data)
	r.n -= n
}

// Reset discards all elements.
func (r *Buffer[T]) Reset() {
	r.Advance(r.n)
	r.head = 0
}

// clear zeroes n elements starting at from so that discarded values
// do not hold references.
func (r *Buffer[T]) clear(from, n int) {
	var zero T
	for i := range n {
		r.data[(from+i)%len(r.data)] = zero
	}
}

// Queue is a bounded FIFO that is safe for concurrent use. Pushes never
// block; when the queue is full the oldest element is discarded.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     *Buffer[T]
	dropped uint64

	ready chan struct{}
}

// NewQueue returns a Queue holding at most n elements. If n is less
// than one, the queue holds one element.
func NewQueue[T any](n int) *Queue[T] {
	return &Queue[T]{
		buf:   NewBuffer[T](max(n, 1)),
		ready: make(chan struct{}, 1),
	}
}

// Push adds v to the queue and reports whether an older element was
// discarded to make room.
func (q *Queue[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	d := q.buf.Write([]T{v})
	q.dropped += uint64(d)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return d != 0
}

// Pop removes and returns the oldest element.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dst [1]T
	if q.buf.Read(dst[:]) == 0 {
		return v, false
	}
	return dst[0], true
}

// Ready returns a channel that receives a value after elements have
// been pushed. A receive does not guarantee that Pop will succeed
// since another consumer may have taken the element.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Len()
}

// Dropped returns the total number of elements discarded because the
// queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Reset discards all queued elements.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf.Reset()
}
