// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core keeps an RCU ring fed with fresh values.
//
// A Publisher owns the writer side of a ring: it periodically calls a Loader
// for the next value and publishes it with Update. Readers keep using
// rcu.Ring.Read directly and never see the Publisher.
//
// # Usage Examples
//
//	ring, err := rcu.New(initial)
//	if err != nil {
//	    return err
//	}
//
//	pub := core.NewPublisher(ring, func(ctx context.Context) (*Settings, error) {
//	    return loadSettings(ctx, path)
//	}, core.DefaultPublisherConfig())
//	pub.Start()
//	defer pub.Stop()
//
// # Dangers and Warnings
//
//   - **Shutdown Order**: Stop the Publisher before closing the ring. Updates
//     after Close fail with rcu.ErrClosed.
//   - **Fresh Values**: the Loader must return a new pointer for every change.
//     Returning the active pointer again is treated as "unchanged"; returning an
//     older pointer that readers still hold fails with rcu.ErrValueInUse.
//   - **Exhaustion**: when readers pin every slot the publish fails and is
//     retried on the next tick. The loaded value is dropped.
//
// # Thread Safety
//
// Start, Stop, Refresh and Stats are safe for concurrent use. Publishes are
// serialised, so the Loader is never called concurrently by one Publisher.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
)

// Loader produces the next value to publish.
type Loader[T any] func(ctx context.Context) (*T, error)

// PublisherConfig controls the background publish loop.
type PublisherConfig struct {
	Interval    time.Duration // time between publishes
	LoadTimeout time.Duration // per-call deadline for the Loader, 0 for none
}

// DefaultPublisherConfig returns a one second interval and a five second load timeout.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Interval:    time.Second,
		LoadTimeout: 5 * time.Second,
	}
}

// PublisherStats counts publish attempts by outcome.
type PublisherStats struct {
	Attempts   uint64
	Published  uint64
	Unchanged  uint64
	LoadErrors uint64
	Exhausted  uint64
	Failed     uint64
	LastError  error
}

// Publisher periodically loads and publishes values into a ring.
type Publisher[T any] struct {
	ring *rcu.Ring[T]
	load Loader[T]
	cfg  PublisherConfig

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu sync.Mutex // serialises publish

	attempts   atomic.Uint64
	published  atomic.Uint64
	unchanged  atomic.Uint64
	loadErrors atomic.Uint64
	exhausted  atomic.Uint64
	failed     atomic.Uint64
	lastErr    atomic.Pointer[error]
}

// NewPublisher creates a stopped Publisher. A non-positive Interval falls back
// to DefaultPublisherConfig's.
func NewPublisher[T any](ring *rcu.Ring[T], load Loader[T], cfg PublisherConfig) *Publisher[T] {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPublisherConfig().Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher[T]{
		ring:   ring,
		load:   load,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins publishing every Interval. Calling Start again, or after
// Stop, does nothing.
func (p *Publisher[T]) Start() {
	if p.ctx.Err() != nil || !p.started.CompareAndSwap(false, true) {
		return
	}

	p.wg.Add(1)
	go p.run()
}

// Stop ends the background loop and waits for an in-flight publish to finish.
// It is safe to call more than once.
func (p *Publisher[T]) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Publisher[T]) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			// Failures are counted in Stats and retried on the next tick.
			_ = p.publish(p.ctx)
		}
	}
}

// Refresh loads and publishes immediately, outside the schedule.
func (p *Publisher[T]) Refresh(ctx context.Context) error {
	return p.publish(ctx)
}

func (p *Publisher[T]) publish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts.Add(1)

	if p.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.LoadTimeout)
		defer cancel()
	}

	v, err := p.load(ctx)
	if err != nil {
		p.loadErrors.Add(1)
		return p.fail(fmt.Errorf("core: load: %w", err))
	}

	if v != nil && !p.ring.Closed() && p.isActive(v) {
		p.unchanged.Add(1)
		return nil
	}

	if err := p.ring.Update(v); err != nil {
		if errors.Is(err, rcu.ErrRingExhausted) {
			p.exhausted.Add(1)
		} else {
			p.failed.Add(1)
		}
		return p.fail(fmt.Errorf("core: publish generation %d: %w", p.ring.Generation()+1, err))
	}

	p.published.Add(1)
	return nil
}

func (p *Publisher[T]) isActive(v *T) bool {
	h := p.ring.Read()
	defer h.Release()
	return h.Get() == v
}

func (p *Publisher[T]) fail(err error) error {
	p.lastErr.Store(&err)
	return err
}

// Stats returns the publish counters.
func (p *Publisher[T]) Stats() PublisherStats {
	st := PublisherStats{
		Attempts:   p.attempts.Load(),
		Published:  p.published.Load(),
		Unchanged:  p.unchanged.Load(),
		LoadErrors: p.loadErrors.Load(),
		Exhausted:  p.exhausted.Load(),
		Failed:     p.failed.Load(),
	}
	if e := p.lastErr.Load(); e != nil {
		st.LastError = *e
	}
	return st
}
