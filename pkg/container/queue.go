package container

// EqualFunc decides whether two elements denote the same item.
type EqualFunc[T any] func(a, b T) bool

func pickEqual[T comparable](eq []EqualFunc[T]) EqualFunc[T] {
	if len(eq) > 0 && eq[0] != nil {
		return eq[0]
	}
	return func(a, b T) bool { return a == b }
}

// Queue is a FIFO backed by a slice with a moving head.
// The zero value is an empty queue ready to use.
type Queue[T comparable] struct {
	items []T
	head  int
}

func NewQueue[T comparable](hint int) *Queue[T] {
	if hint < 0 {
		hint = 0
	}
	return &Queue[T]{items: make([]T, 0, hint)}
}

func (q *Queue[T]) Len() int      { return len(q.items) - q.head }
func (q *Queue[T]) IsEmpty() bool { return q.Len() == 0 }

// Push appends v at the tail.
func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.IsEmpty() {
		return zero, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.IsEmpty() {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return v, true
}

// compact reclaims the consumed prefix once it dominates the backing array.
func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		var zero T
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}
}

// Index returns the position of v counted from the head, or -1.
func (q *Queue[T]) Index(v T, eq ...EqualFunc[T]) int {
	f := pickEqual(eq)
	for i := q.head; i < len(q.items); i++ {
		if f(q.items[i], v) {
			return i - q.head
		}
	}
	return -1
}

func (q *Queue[T]) Contains(v T, eq ...EqualFunc[T]) bool {
	return q.Index(v, eq...) >= 0
}

// Remove deletes the first element equal to v, keeping FIFO order of the rest.
func (q *Queue[T]) Remove(v T, eq ...EqualFunc[T]) (T, bool) {
	var zero T
	i := q.Index(v, eq...)
	if i < 0 {
		return zero, false
	}
	at := q.head + i
	out := q.items[at]
	copy(q.items[at:], q.items[at+1:])
	q.items[len(q.items)-1] = zero
	q.items = q.items[:len(q.items)-1]
	q.compact()
	return out, true
}

// Items returns a copy of the queued elements, head first.
func (q *Queue[T]) Items() []T {
	out := make([]T, q.Len())
	copy(out, q.items[q.head:])
	return out
}

// Clear empties the queue and returns what it held, head first.
func (q *Queue[T]) Clear() []T {
	out := q.Items()
	q.items = nil
	q.head = 0
	return out
}
