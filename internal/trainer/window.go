package trainer

// window keeps the most recent values of a series, like the last-100 episode
// scores printed during training.
type window struct {
	values []float64
	next   int
	full   bool
}

func newWindow(size int) *window {
	return &window{values: make([]float64, size)}
}

func (w *window) add(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.values)
	}
	return w.next
}

func (w *window) mean() float64 {
	n := w.len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.values[:n] {
		sum += v
	}
	return sum / float64(n)
}
