// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pool recycles values retired from an RCU ring.
//
// A writer that publishes a fresh copy on every update allocates once per
// generation. ValuePool hands those copies out of a sync.Pool and takes them
// back through the ring's Reclaim hook once the last reader lets go:
//
//	vp := pool.NewValuePool(func() *Settings { return &Settings{} },
//	    func(s *Settings) { *s = Settings{} })
//
//	ring, err := rcu.NewWithConfig(vp.Get(), rcu.Config[Settings]{
//	    Capacity: 10,
//	    Reclaim:  vp.Reclaimer(),
//	})
//
//	next := vp.Get()
//	*next = newSettings
//	err = ring.Update(next)
//
// A value obtained from Get must not be published twice, and must not be Put
// while a ring may still hand it out.
package pool

import (
	"sync"
	"sync/atomic"
)

// Stats counts pool traffic.
type Stats struct {
	Gets uint64
	News uint64
	Puts uint64
}

// ValuePool is a typed sync.Pool with an optional reset applied on Put.
type ValuePool[T any] struct {
	pool  sync.Pool
	reset func(*T)

	gets atomic.Uint64
	news atomic.Uint64
	puts atomic.Uint64
}

// NewValuePool creates a pool. newFn builds a value when the pool is empty and
// must not be nil. reset, if set, runs on every value handed back.
func NewValuePool[T any](newFn func() *T, reset func(*T)) *ValuePool[T] {
	p := &ValuePool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFn()
	}
	return p
}

// Get returns a recycled value or a new one.
func (p *ValuePool[T]) Get() *T {
	p.gets.Add(1)
	return p.pool.Get().(*T)
}

// Put resets v and returns it to the pool. Put(nil) does nothing.
func (p *ValuePool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if p.reset != nil {
		p.reset(v)
	}
	p.puts.Add(1)
	p.pool.Put(v)
}

// Reclaimer returns a function suitable for rcu.Config.Reclaim that puts every
// retired generation back into the pool.
func (p *ValuePool[T]) Reclaimer() func(*T) {
	return p.Put
}

// Stats returns the pool counters. News can trail Gets by any amount since
// sync.Pool may drop idle values at garbage collection.
func (p *ValuePool[T]) Stats() Stats {
	return Stats{
		Gets: p.gets.Load(),
		News: p.news.Load(),
		Puts: p.puts.Load(),
	}
}
