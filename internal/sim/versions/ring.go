// Package versions keeps the last N versions of a value and diffs a current set
// against a base. State history and delta saves are both built on it.
package versions

// Ring is a bounded ring that keeps the most recent Cap() values.
// The zero value has capacity 0 and discards every push.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
}

func NewRing[T any](capacity int) Ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Cap() int { return len(r.buf) }
func (r *Ring[T]) Len() int { return r.n }

// Push appends v, evicting the oldest value when full.
func (r *Ring[T]) Push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// Last returns the most recent value.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// Items returns the values oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Load replaces the contents with vs, keeping only the newest Cap() values.
func (r *Ring[T]) Load(vs []T) {
	r.Reset()
	if len(vs) > len(r.buf) {
		vs = vs[len(vs)-len(r.buf):]
	}
	for _, v := range vs {
		r.Push(v)
	}
}

// Reset empties the ring without changing its capacity.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.n = 0
}

// Resize changes the capacity, keeping the newest values that still fit.
func (r *Ring[T]) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	if capacity == len(r.buf) {
		return
	}
	items := r.Items()
	r.buf = make([]T, capacity)
	r.Load(items)
}
