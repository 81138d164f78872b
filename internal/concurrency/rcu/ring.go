// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package rcu provides a bounded-slot Read-Copy-Update container.
//
// A Ring holds one shared value. Any number of goroutines can Read it without
// blocking; each Read returns a Handle that pins the generation it observed.
// A single writer at a time publishes a new value with Update. The previous
// value is reclaimed only when its last Handle is released.
//
// # Key Features
//
//   - Lock-free reads: a CAS on the active slot's reference count, no mutex
//   - Fixed number of generation slots chosen at construction (default 10)
//   - Deterministic reclamation: the reference that observes the 1 -> 0
//     transition runs the Reclaim hook, exactly once per value
//   - Writers never wait for readers; a full ring fails fast with ErrRingExhausted
//   - Teardown verifies that no Handle outlives the ring
//
// # Usage Examples
//
//	ring, err := rcu.New(&Settings{Limit: 10})
//	if err != nil {
//	    return err
//	}
//	defer ring.Close()
//
//	h := ring.Read()
//	fmt.Println(h.Get().Limit)
//	h.Release()
//
//	if err := ring.Update(&Settings{Limit: 20}); errors.Is(err, rcu.ErrRingExhausted) {
//	    // readers still hold every older generation, try again later
//	}
//
// # Dangers and Warnings
//
//   - **Release every Handle**: a Handle that is never released pins its slot
//     forever. Once every slot is pinned, Update fails.
//   - **Close last**: Close panics with a *LeakError if any Handle is still
//     outstanding. Release all handles before closing the ring.
//   - **Read-only values**: values reachable from a Handle are shared between
//     readers. Never mutate them; publish a modified copy with Update instead.
//   - **Ownership**: Update takes ownership of the pointer. Do not publish the
//     same pointer twice while it can still be referenced.
//   - **Staleness**: a reader may observe a generation that is already being
//     replaced. Readers see a consistent value, not necessarily the latest.
//
// # Reader Protocol
//
// Read loads the active index, then the active slot's count. A count of zero
// means the writer already retired that slot and moved the index, so the read
// retries; a zero count is never incremented. Otherwise Read tries to CAS the
// count one higher and retries from the index on failure.
//
// # Writer Protocol
//
// Update takes the writer lock, scans forward from the active index for a slot
// whose count is zero, stores the value, sets the count to one and only then
// moves the active index. The ring's reference to the previous slot is dropped
// last.
//
// # Thread Safety
//
// Ring is safe for concurrent use. Handle is not: give each goroutine its own
// Handle by calling Clone.
package rcu

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

const (
	// DefaultCapacity is the number of generation slots used by New.
	DefaultCapacity = 10
	// MinCapacity is the smallest usable ring: one active slot and one to publish into.
	MinCapacity = 2
)

// Config holds construction options for a Ring.
type Config[T any] struct {
	// Capacity is the number of generation slots.
	Capacity int
	// Reclaim, if set, is called exactly once for every published value when
	// its last reference is dropped. It may run on any goroutine that releases
	// a Handle, inside Update, or inside Close.
	Reclaim func(*T)
	// Observer, if set, receives read, update and reclaim events.
	Observer Observer
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig[T any]() Config[T] {
	return Config[T]{Capacity: DefaultCapacity}
}

// Ring is a fixed set of generation slots with one active slot.
type Ring[T any] struct {
	index  atomic.Uint32
	closed atomic.Bool
	_      cpu.CacheLinePad

	slots []slot[T]

	mu  sync.Mutex // serialises writers
	gen uint64     // last generation installed, guarded by mu
	cur atomic.Uint64

	reclaim  func(*T)
	observer Observer
}

// New creates a ring with DefaultCapacity slots whose first generation is initial.
func New[T any](initial *T) (*Ring[T], error) {
	return NewWithConfig(initial, DefaultConfig[T]())
}

// NewWithConfig creates a ring from cfg whose first generation is initial.
func NewWithConfig[T any](initial *T, cfg Config[T]) (*Ring[T], error) {
	if initial == nil {
		return nil, ErrNilValue
	}
	if cfg.Capacity < MinCapacity {
		return nil, ErrInvalidCapacity
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	r := &Ring[T]{
		slots:    make([]slot[T], cfg.Capacity),
		reclaim:  cfg.Reclaim,
		observer: cfg.Observer,
		gen:      1,
	}
	first := &r.slots[0]
	first.val.Store(initial)
	first.gen.Store(1)
	first.refcount.Store(1)
	r.cur.Store(1)
	r.index.Store(0)
	return r, nil
}

// Read returns a Handle to the currently active value. It never blocks and
// never fails. The caller must Release the Handle.
//
// Read panics with ErrClosed if the ring has been closed.
func (r *Ring[T]) Read() *Handle[T] {
	retries := 0
	for {
		s := &r.slots[r.index.Load()]
		if s.acquire() {
			h := &Handle[T]{
				ring: r,
				slot: s,
				val:  s.val.Load(),
				gen:  s.gen.Load(),
			}
			r.observer.ObserveRead(retries)
			return h
		}
		if r.closed.Load() {
			panic(ErrClosed)
		}
		retries++
	}
}

// Update publishes v as the new active value and retires the previous one.
// The previous value is reclaimed now if no Handle references it, otherwise
// when its last Handle is released.
//
// Update returns ErrNilValue for a nil v, ErrRingExhausted when every slot is
// referenced, ErrValueInUse when v is already live in the ring, and ErrClosed
// after Close. On error the active value is unchanged.
func (r *Ring[T]) Update(v *T) error {
	start := time.Now()
	err := r.update(v)
	r.observer.ObserveUpdate(time.Since(start), err)
	return err
}

func (r *Ring[T]) update(v *T) error {
	if v == nil {
		return ErrNilValue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrClosed
	}

	prev := r.index.Load()
	next, err := r.findFree(prev, v)
	if err != nil {
		return err
	}

	// Nobody can reference s: its count is zero and only this goroutine,
	// holding the lock, can move it away from zero.
	r.gen++
	s := &r.slots[next]
	s.val.Store(v)
	s.gen.Store(r.gen)
	s.refcount.Store(1)
	r.index.Store(next)
	r.cur.Store(r.gen)

	r.retire(prev)
	return nil
}

// findFree scans the ring once, starting after prev, for a slot with a zero
// count. It also rejects v when a live slot already holds it.
func (r *Ring[T]) findFree(prev uint32, v *T) (uint32, error) {
	n := uint32(len(r.slots))
	free := prev
	for i := (prev + 1) % n; ; i = (i + 1) % n {
		s := &r.slots[i]
		if s.refcount.Load() == 0 {
			if free == prev {
				free = i
			}
		} else if s.val.Load() == v {
			return 0, ErrValueInUse
		}
		if i == prev {
			break
		}
	}
	if free == prev {
		return 0, ErrRingExhausted
	}
	return free, nil
}

// retire drops the ring's own reference to slot i and reports whether that
// released the value.
func (r *Ring[T]) retire(i uint32) bool {
	s := &r.slots[i]
	v := s.val.Load()
	if !s.drop() {
		return false
	}
	r.release(v)
	return true
}

// release runs once per value, by whoever dropped its last reference.
func (r *Ring[T]) release(v *T) {
	if r.reclaim != nil {
		r.reclaim(v)
	}
	r.observer.ObserveReclaim()
}

// Close drops the ring's reference to the active value and verifies that no
// Handle is outstanding. All handles must be released before Close; if one is
// not, Close panics with a *LeakError because that Handle would otherwise
// reference a destroyed ring. Close is a no-op on a closed ring.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	active := r.index.Load()
	freed := r.retire(active)

	leaked := !freed
	counts := make([]uint32, len(r.slots))
	for i := range r.slots {
		counts[i] = r.slots[i].refcount.Load()
		if counts[i] != 0 {
			leaked = true
		}
	}
	if leaked {
		panic(&LeakError{Active: int(active), RefCounts: counts})
	}
}

// Closed reports whether Close has been called.
func (r *Ring[T]) Closed() bool {
	return r.closed.Load()
}

// Capacity returns the number of generation slots.
func (r *Ring[T]) Capacity() int {
	return len(r.slots)
}

// Generation returns the generation of the active value. The initial value is
// generation 1 and every successful Update adds one.
func (r *Ring[T]) Generation() uint64 {
	return r.cur.Load()
}

// Outstanding returns the number of references held by handles across all
// slots, excluding the ring's own reference to the active slot. Close is safe
// once it returns zero and no Read is in flight.
func (r *Ring[T]) Outstanding() uint64 {
	var total uint64
	for i := range r.slots {
		total += uint64(r.slots[i].refcount.Load())
	}
	if !r.closed.Load() && total > 0 {
		total--
	}
	return total
}

// SlotInfo describes one slot for diagnostics.
type SlotInfo struct {
	Index      int
	RefCount   uint32
	Generation uint64
	Active     bool
}

// Slots returns a point-in-time view of every slot. Counts may change while
// it runs.
func (r *Ring[T]) Slots() []SlotInfo {
	active := int(r.index.Load())
	out := make([]SlotInfo, len(r.slots))
	for i := range r.slots {
		s := &r.slots[i]
		rc := s.refcount.Load()
		var gen uint64
		if rc != 0 {
			gen = s.gen.Load()
		}
		out[i] = SlotInfo{
			Index:      i,
			RefCount:   rc,
			Generation: gen,
			Active:     i == active && !r.closed.Load(),
		}
	}
	return out
}
