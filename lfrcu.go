// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package lfrcu provides a lock-free, bounded-slot Read-Copy-Update container.
//
// This is the public API of the library. A Ring holds one shared value that
// many goroutines read without blocking while a single writer at a time
// publishes replacements. Old values are reclaimed when the last reader that
// can see them releases its Handle.
//
// # Quick Start
//
//	import "github.com/kianostad/lfrcu"
//
//	ring, err := lfrcu.New(&Settings{Limit: 10})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ring.Close()
//
//	h := ring.Read()
//	defer h.Release()
//	fmt.Println(h.Get().Limit)
//
// # Key Features
//
//   - Lock-free reads with a single CAS on the fast path
//   - Bounded memory: a fixed number of generation slots, no background collector
//   - Deterministic, exactly-once reclamation through an optional Reclaim hook
//   - Generation numbers on every published value
//   - Optional observer for metrics, a periodic Publisher and a recycling ValuePool
//
// # Usage Examples
//
// Publishing a new value:
//
//	next := *h.Get() // copy
//	next.Limit = 20
//	if err := ring.Update(&next); errors.Is(err, lfrcu.ErrRingExhausted) {
//	    // every slot is pinned by a reader, retry later
//	}
//
// Keeping a ring fed in the background:
//
//	pub := lfrcu.NewPublisher(ring, loadSettings, lfrcu.DefaultPublisherConfig())
//	pub.Start()
//	defer pub.Stop()
//
// Recycling retired values:
//
//	vp := lfrcu.NewValuePool(func() *Settings { return new(Settings) }, nil)
//	ring, err := lfrcu.NewWithConfig(vp.Get(), lfrcu.Config[Settings]{
//	    Capacity: 16,
//	    Reclaim:  vp.Reclaimer(),
//	})
//
// # Dangers and Warnings
//
//   - **Release every Handle**: a forgotten Handle pins its slot forever and
//     makes Close panic.
//   - **Never mutate shared values**: publish a modified copy instead.
//   - **Handles are single-goroutine**: Clone one for each goroutine.
//
// # Best Practices
//
//   - Release handles with defer right after Read
//   - Size the ring for the number of generations readers may hold at once
//   - Treat ErrRingExhausted as back-pressure and retry, not as a fatal error
//   - Check Outstanding before Close during shutdown
//
// # See Also
//
// For the protocol details, see the internal rcu package.
package lfrcu

import (
	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
	"github.com/kianostad/lfrcu/internal/core"
	"github.com/kianostad/lfrcu/internal/monitoring/metrics"
	"github.com/kianostad/lfrcu/internal/storage/pool"
)

// Re-export the ring types
type (
	// Ring is the RCU container.
	Ring[T any] = rcu.Ring[T]

	// Handle is a counted reference to one generation of a Ring's value.
	Handle[T any] = rcu.Handle[T]

	// Config holds Ring construction options.
	Config[T any] = rcu.Config[T]

	// Observer receives ring events.
	Observer = rcu.Observer

	// LeakError is the panic value of Close when handles are still outstanding.
	LeakError = rcu.LeakError

	// SlotInfo describes one slot for diagnostics.
	SlotInfo = rcu.SlotInfo
)

// Supporting types
type (
	// Publisher periodically loads and publishes values into a Ring.
	Publisher[T any] = core.Publisher[T]

	// Loader produces the next value for a Publisher.
	Loader[T any] = core.Loader[T]

	// PublisherConfig controls a Publisher.
	PublisherConfig = core.PublisherConfig

	// ValuePool recycles retired values.
	ValuePool[T any] = pool.ValuePool[T]

	// Metrics is an Observer that aggregates ring events.
	Metrics = metrics.Metrics
)

const (
	// DefaultCapacity is the number of slots used by New.
	DefaultCapacity = rcu.DefaultCapacity
	// MinCapacity is the smallest accepted capacity.
	MinCapacity = rcu.MinCapacity
)

// Errors returned or raised by a Ring.
var (
	ErrNilValue        = rcu.ErrNilValue
	ErrRingExhausted   = rcu.ErrRingExhausted
	ErrValueInUse      = rcu.ErrValueInUse
	ErrClosed          = rcu.ErrClosed
	ErrInvalidCapacity = rcu.ErrInvalidCapacity
	ErrDoubleRelease   = rcu.ErrDoubleRelease
	ErrRefOverflow     = rcu.ErrRefOverflow
	ErrLeakedHandle    = rcu.ErrLeakedHandle
)

// New creates a Ring with DefaultCapacity slots holding initial as generation 1.
func New[T any](initial *T) (*Ring[T], error) {
	return rcu.New(initial)
}

// NewWithConfig creates a Ring from cfg holding initial as generation 1.
func NewWithConfig[T any](initial *T, cfg Config[T]) (*Ring[T], error) {
	return rcu.NewWithConfig(initial, cfg)
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig[T any]() Config[T] {
	return rcu.DefaultConfig[T]()
}

// NewPublisher creates a stopped Publisher for ring.
func NewPublisher[T any](ring *Ring[T], load Loader[T], cfg PublisherConfig) *Publisher[T] {
	return core.NewPublisher(ring, load, cfg)
}

// DefaultPublisherConfig returns the default Publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return core.DefaultPublisherConfig()
}

// NewValuePool creates a pool whose Reclaimer can be used as Config.Reclaim.
func NewValuePool[T any](newFn func() *T, reset func(*T)) *ValuePool[T] {
	return pool.NewValuePool(newFn, reset)
}

// NewMetrics creates a metrics Observer with default settings. Close it when done.
func NewMetrics() *Metrics {
	return metrics.NewMetrics()
}
