// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch tracks which RCU generations are still pinned by readers.
//
// A Tracker is a counted set of generations. Readers Register the generation
// of every Handle they take and Unregister it when the Handle is released.
// The oldest pinned generation and the distance between it and the ring's
// current generation tell how stale readers are and how close the ring is to
// running out of slots.
//
// # Usage Examples
//
//	tracker := epoch.NewTracker()
//
//	h := ring.Read()
//	tracker.Register(h.Generation())
//	defer func() {
//	    tracker.Unregister(h.Generation())
//	    h.Release()
//	}()
//
//	lag := tracker.Lag(ring.Generation())
//
// # Dangers and Warnings
//
//   - **Pairing**: every Register needs a matching Unregister with the same
//     generation, or the generation looks pinned forever.
//   - **Advisory only**: the Tracker does not hold references. It mirrors what
//     callers tell it and never keeps a slot alive.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package epoch

import (
	"sync"
)

// Tracker counts holders per generation.
type Tracker struct {
	held    map[uint64]int // generation -> holders
	holders int
	mu      sync.RWMutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		held: make(map[uint64]int),
	}
}

// Register records one more holder of gen.
func (t *Tracker) Register(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[gen]++
	t.holders++
}

// Unregister removes one holder of gen. Unregistering a generation that is not
// held does nothing.
func (t *Tracker) Unregister(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, ok := t.held[gen]
	if !ok {
		return
	}
	if count <= 1 {
		delete(t.held, gen)
	} else {
		t.held[gen] = count - 1
	}
	t.holders--
}

// MinActive returns the oldest held generation, or 0 if none is held.
func (t *Tracker) MinActive() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minLocked()
}

func (t *Tracker) minLocked() uint64 {
	if len(t.held) == 0 {
		return 0
	}
	min := ^uint64(0)
	for gen := range t.held {
		if gen < min {
			min = gen
		}
	}
	return min
}

// ActiveCount returns the number of distinct generations held.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.held)
}

// Holders returns the total number of registrations across all generations.
func (t *Tracker) Holders() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.holders
}

// Lag returns how many generations the oldest holder trails current by.
// It is 0 when nothing is held or every holder is on current.
func (t *Tracker) Lag(current uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	min := t.minLocked()
	if min == 0 || min >= current {
		return 0
	}
	return current - min
}
