package telemetry

// Ring is a fixed-capacity FIFO buffer. The oldest entry is evicted only when
// an append finds the buffer full. Ring is not safe for concurrent use; the
// Aggregator guards its rings with its own lock.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

// NewRing returns an empty ring. A capacity below one is raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds v and reports whether the oldest entry was evicted to make room.
func (r *Ring[T]) Append(v T) (evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Items returns a copy of the entries, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
