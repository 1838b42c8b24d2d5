package tap

// deque is a growable ring buffer. Nack handling pushes replayed entries
// back onto the head of the queue they came from.
type deque[T any] struct {
	buf  []T
	head int
	n    int
}

func (d *deque[T]) Len() int { return d.n }

func (d *deque[T]) grow() {
	if d.n < len(d.buf) {
		return
	}
	size := len(d.buf) * 2
	if size == 0 {
		size = 8
	}
	buf := make([]T, size)
	for i := 0; i < d.n; i++ {
		buf[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = buf
	d.head = 0
}

func (d *deque[T]) PushBack(v T) {
	d.grow()
	d.buf[(d.head+d.n)%len(d.buf)] = v
	d.n++
}

func (d *deque[T]) PushFront(v T) {
	d.grow()
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = v
	d.n++
}

// PushFrontAll puts vs at the head keeping their order.
func (d *deque[T]) PushFrontAll(vs []T) {
	for i := len(vs) - 1; i >= 0; i-- {
		d.PushFront(vs[i])
	}
}

func (d *deque[T]) PopFront() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	return v, true
}

func (d *deque[T]) Front() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	return d.buf[d.head], true
}

// Each visits the elements head first.
func (d *deque[T]) Each(fn func(T)) {
	for i := 0; i < d.n; i++ {
		fn(d.buf[(d.head+i)%len(d.buf)])
	}
}

func (d *deque[T]) Clear() {
	clear(d.buf)
	d.head = 0
	d.n = 0
}
