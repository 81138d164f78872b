// Licensed under the MIT License. See LICENSE file in the project root for details.

package rcu

import (
	"math"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// slot is one generation's storage in the ring.
//
// refcount == 0 means the slot is free. While the slot is active the ring
// itself owns one of the counted references.
type slot[T any] struct {
	refcount atomic.Uint32
	gen      atomic.Uint64
	val      atomic.Pointer[T]
	_        cpu.CacheLinePad // keep neighbouring counters off this cache line
}

// acquire increments the count unless it is zero. It reports false when the
// slot is free or the count changed underneath it.
func (s *slot[T]) acquire() bool {
	rc := s.refcount.Load()
	if rc == 0 {
		return false
	}
	if rc == math.MaxUint32 {
		panic(ErrRefOverflow)
	}
	return s.refcount.CompareAndSwap(rc, rc+1)
}

// share adds a reference on behalf of a holder that already owns one, so the
// count cannot be zero here.
func (s *slot[T]) share() {
	if s.refcount.Add(1) == 0 {
		panic(ErrRefOverflow)
	}
}

// drop removes one reference and reports whether it was the last one.
func (s *slot[T]) drop() bool {
	n := s.refcount.Add(^uint32(0))
	if n == math.MaxUint32 {
		panic(ErrDoubleRelease)
	}
	return n == 0
}
