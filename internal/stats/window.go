package stats

// Window keeps the most recent samples up to a fixed capacity. Pushing into a
// full window evicts the oldest sample first.
type Window[T any] struct {
	capacity int
	samples  []T
}

// NewWindow creates a window holding at most capacity samples. A capacity
// below one is raised to one.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{
		capacity: capacity,
		samples:  make([]T, 0, capacity),
	}
}

// Push appends a sample, evicting the oldest one when the window is full.
func (w *Window[T]) Push(v T) {
	if len(w.samples) >= w.capacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, v)
}

// Len returns the number of retained samples.
func (w *Window[T]) Len() int { return len(w.samples) }

// Cap returns the window capacity.
func (w *Window[T]) Cap() int { return w.capacity }

// Samples returns a copy of the retained samples, oldest first.
func (w *Window[T]) Samples() []T {
	out := make([]T, len(w.samples))
	copy(out, w.samples)
	return out
}

// Reset replaces the window contents with samples. When more samples than the
// capacity are given only the most recent ones are kept.
func (w *Window[T]) Reset(samples []T) {
	if len(samples) > w.capacity {
		samples = samples[len(samples)-w.capacity:]
	}
	w.samples = w.samples[:0]
	w.samples = append(w.samples, samples...)
}
