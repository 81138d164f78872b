// Licensed under the MIT License. See LICENSE file in the project root for details.

package rcu

// Handle is a counted reference to one generation of a Ring's value.
//
// A non-empty Handle owns exactly one reference on its slot and gives it back
// exactly once: through Release, or when Assign or MoveFrom overwrite it.
// Move hands the reference to a new Handle instead. The zero Handle is empty.
//
// A Handle must not be used by more than one goroutine at a time and must not
// outlive the Ring that produced it.
type Handle[T any] struct {
	ring *Ring[T]
	slot *slot[T]
	val  *T
	gen  uint64
}

// Get returns the referenced value, or nil if the Handle is empty.
// The value is shared with other readers and must not be modified.
func (h *Handle[T]) Get() *T {
	if h == nil {
		return nil
	}
	return h.val
}

// Value returns a copy of the referenced value, or the zero value if the
// Handle is empty.
func (h *Handle[T]) Value() T {
	if p := h.Get(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Valid reports whether the Handle references a value.
func (h *Handle[T]) Valid() bool {
	return h != nil && h.slot != nil
}

// UseCount returns the current number of references to the Handle's slot,
// including the ring's own while the slot is active. It returns 0 for an
// empty Handle.
func (h *Handle[T]) UseCount() uint32 {
	if !h.Valid() {
		return 0
	}
	return h.slot.refcount.Load()
}

// Generation returns the generation the Handle pins, or 0 if it is empty.
func (h *Handle[T]) Generation() uint64 {
	if !h.Valid() {
		return 0
	}
	return h.gen
}

// Clone returns a new Handle to the same generation. Cloning an empty Handle
// returns an empty Handle.
func (h *Handle[T]) Clone() *Handle[T] {
	if !h.Valid() {
		return &Handle[T]{}
	}
	h.slot.share()
	c := *h
	return &c
}

// Move transfers the reference to a new Handle and leaves h empty. No count
// changes.
func (h *Handle[T]) Move() *Handle[T] {
	if !h.Valid() {
		return &Handle[T]{}
	}
	m := *h
	*h = Handle[T]{}
	return &m
}

// Assign makes h reference the same generation as src, releasing whatever h
// referenced before. Assigning an empty src empties h.
func (h *Handle[T]) Assign(src *Handle[T]) {
	if h == src {
		return
	}
	if src.Valid() {
		src.slot.share()
	}
	old := *h
	if src.Valid() {
		*h = *src
	} else {
		*h = Handle[T]{}
	}
	old.Release()
}

// MoveFrom releases what h referenced and takes over src's reference,
// leaving src empty.
func (h *Handle[T]) MoveFrom(src *Handle[T]) {
	if h == src {
		return
	}
	var taken Handle[T]
	if src.Valid() {
		taken = *src
		*src = Handle[T]{}
	}
	h.Release()
	*h = taken
}

// Release gives the reference back. If it was the last reference the value is
// reclaimed here. Releasing an empty Handle does nothing, so Release can be
// deferred and still called early.
func (h *Handle[T]) Release() {
	if !h.Valid() {
		return
	}
	s, v, r := h.slot, h.val, h.ring
	*h = Handle[T]{}
	if s.drop() {
		r.release(v)
	}
}
