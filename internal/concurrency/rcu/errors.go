// Licensed under the MIT License. See LICENSE file in the project root for details.

package rcu

import (
	"errors"
	"fmt"
	"strings"
)

// Recoverable errors returned by New and Update.
var (
	// ErrNilValue is returned when a nil value is passed to New or Update.
	// A nil value is never stored: an active slot holding nil could not be told
	// apart from a slot that was just retired.
	ErrNilValue = errors.New("rcu: nil value")

	// ErrRingExhausted is returned by Update when every slot is still
	// referenced by an outstanding handle. Retry once readers release older
	// generations.
	ErrRingExhausted = errors.New("rcu: no free slot, all generations are referenced")

	// ErrValueInUse is returned by Update when the value is already published
	// in a slot that is still referenced.
	ErrValueInUse = errors.New("rcu: value is already published in a live slot")

	// ErrClosed is returned by Update after Close. Read panics with it.
	ErrClosed = errors.New("rcu: ring is closed")

	// ErrInvalidCapacity is returned by NewWithConfig for a capacity below MinCapacity.
	ErrInvalidCapacity = errors.New("rcu: capacity must be at least 2")
)

// Protocol violations. These are raised as panics, never returned.
var (
	// ErrDoubleRelease means a reference count was decremented from zero.
	ErrDoubleRelease = errors.New("rcu: reference released when count was zero")

	// ErrRefOverflow means a slot's reference count would wrap around.
	ErrRefOverflow = errors.New("rcu: reference count overflow")

	// ErrLeakedHandle means the ring was closed while handles were outstanding.
	ErrLeakedHandle = errors.New("rcu: ring closed with outstanding handles")
)

// LeakError is the panic value of Close when a handle outlives the ring.
type LeakError struct {
	Active    int      // index of the active slot at Close
	RefCounts []uint32 // per-slot reference counts after the ring dropped its own reference
}

func (e *LeakError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v (active slot %d):", ErrLeakedHandle, e.Active)
	for i, rc := range e.RefCounts {
		if rc != 0 {
			fmt.Fprintf(&b, " slot[%d]=%d", i, rc)
		}
	}
	return b.String()
}

func (e *LeakError) Unwrap() error { return ErrLeakedHandle }
