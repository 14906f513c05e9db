package container

import "errors"

var ErrBagFull = errors.New("container: bag is full")

// Bag is an unordered multiset with an upper bound on its size.
type Bag[T comparable] struct {
	items []T
	limit int
}

// NewBag creates a bag holding at most limit elements (limit < 1 means 1).
func NewBag[T comparable](limit int) *Bag[T] {
	if limit < 1 {
		limit = 1
	}
	return &Bag[T]{limit: limit}
}

func (b *Bag[T]) Len() int    { return len(b.items) }
func (b *Bag[T]) Limit() int  { return b.limit }
func (b *Bag[T]) Full() bool  { return len(b.items) >= b.limit }
func (b *Bag[T]) Empty() bool { return len(b.items) == 0 }

// SetLimit changes the bound. Elements already present are kept even if
// they exceed the new bound; Add fails until enough are removed.
func (b *Bag[T]) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	b.limit = limit
}

func (b *Bag[T]) Add(v T) error {
	if b.Full() {
		return ErrBagFull
	}
	b.items = append(b.items, v)
	return nil
}

func (b *Bag[T]) Contains(v T, eq ...EqualFunc[T]) bool {
	f := pickEqual(eq)
	for _, it := range b.items {
		if f(it, v) {
			return true
		}
	}
	return false
}

// Remove deletes one element equal to v. Order is not preserved.
func (b *Bag[T]) Remove(v T, eq ...EqualFunc[T]) bool {
	f := pickEqual(eq)
	for i, it := range b.items {
		if f(it, v) {
			last := len(b.items) - 1
			b.items[i] = b.items[last]
			var zero T
			b.items[last] = zero
			b.items = b.items[:last]
			return true
		}
	}
	return false
}

// Items returns a copy of the elements in unspecified order.
func (b *Bag[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}
