// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package stress runs a contended read/update workload against an RCU ring and
// checks the ring's safety guarantees while it runs.
//
// One updater publishes a fresh payload every UpdateInterval while Readers
// goroutines read continuously. Each reader keeps a random number of recent
// handles (up to HoldWindow) in a FIFO, so old generations stay pinned for a
// while and the writer has to find free slots around them.
//
// Every payload carries a checksum and a reclaimed flag set by the ring's
// Reclaim hook. The harness reports a violation when a reader:
//
//   - sees a payload that was already reclaimed (use after free)
//   - sees a payload whose checksum does not match (torn value)
//   - sees a generation older than one it read before
//
// and when, after the run, reclaims do not equal publishes plus the initial
// value, a payload is reclaimed twice, or more generations are pinned than the
// ring has slots.
package stress

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/valyala/fastrand"

	"github.com/kianostad/lfrcu/internal/concurrency/epoch"
	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
	"github.com/kianostad/lfrcu/internal/monitoring/metrics"
)

var (
	// ErrViolation wraps every safety violation found during a run.
	ErrViolation = errors.New("stress: invariant violated")
	// ErrInvalidConfig is returned for unusable Config values.
	ErrInvalidConfig = errors.New("stress: invalid config")
)

// maxRecorded caps how many violation messages a Report keeps.
const maxRecorded = 16

// Config describes a stress run.
type Config struct {
	Readers        int           // reader goroutines
	Duration       time.Duration // how long to run
	UpdateInterval time.Duration // pause between publishes
	Capacity       int           // ring slots
	HoldWindow     int           // max handles each reader keeps pinned, 0 releases at once
	CollectMetrics bool          // attach a metrics.Metrics observer to the ring

	// Metrics, if set, is used as the observer instead of a private one and
	// is left open after the run.
	Metrics *metrics.Metrics
}

// DefaultConfig reads from every available CPU for 30 seconds with an update
// every 10ms, releasing each handle immediately.
func DefaultConfig() Config {
	return Config{
		Readers:        runtime.GOMAXPROCS(0),
		Duration:       30 * time.Second,
		UpdateInterval: 10 * time.Millisecond,
		Capacity:       rcu.DefaultCapacity,
		HoldWindow:     0,
		CollectMetrics: true,
	}
}

func (c Config) validate() error {
	switch {
	case c.Readers < 1:
		return fmt.Errorf("%w: need at least one reader, got %d", ErrInvalidConfig, c.Readers)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	case c.UpdateInterval < 0:
		return fmt.Errorf("%w: negative update interval", ErrInvalidConfig)
	case c.HoldWindow < 0:
		return fmt.Errorf("%w: negative hold window", ErrInvalidConfig)
	}
	return nil
}

// Report summarises a run.
type Report struct {
	Readers        int
	Elapsed        time.Duration
	Updates        uint64
	Exhausted      uint64
	Reads          uint64
	Reclaims       uint64
	MaxHeld        int    // most distinct generations pinned at once
	MaxLag         uint64 // furthest the oldest pinned generation trailed the active one
	FinalGen       uint64
	Violations     uint64
	ViolationNotes []string
	Metrics        metrics.MetricsSnapshot
}

// ReadsPerReaderPerSec returns reader throughput.
func (r Report) ReadsPerReaderPerSec() float64 {
	if r.Readers == 0 || r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Reads) / float64(r.Readers) / r.Elapsed.Seconds()
}

type payload struct {
	seq   uint64
	check uint64
	dead  atomic.Bool
}

func newPayload(seq uint64) *payload {
	return &payload{seq: seq, check: checksum(seq)}
}

func checksum(seq uint64) uint64 {
	return (seq ^ 0x9e3779b97f4a7c15) * 0xbf58476d1ce4e5b9
}

type held struct {
	h  *rcu.Handle[payload]
	at time.Time
}

type run struct {
	cfg     Config
	ring    *rcu.Ring[payload]
	tracker *epoch.Tracker
	metrics *metrics.Metrics

	reads     atomic.Uint64
	updates   atomic.Uint64
	exhausted atomic.Uint64
	reclaims  atomic.Uint64
	maxHeld   atomic.Int64
	maxLag    atomic.Uint64

	mu         sync.Mutex
	violations uint64
	notes      []string
}

// Run executes the workload until cfg.Duration elapses or ctx is done. It
// returns the report and, if any check failed, an error wrapping ErrViolation.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}

	r := &run{cfg: cfg, tracker: epoch.NewTracker()}
	ringCfg := rcu.Config[payload]{
		Capacity: cfg.Capacity,
		Reclaim:  r.reclaim,
	}
	switch {
	case cfg.Metrics != nil:
		r.metrics = cfg.Metrics
	case cfg.CollectMetrics:
		r.metrics = metrics.NewMetrics()
		defer r.metrics.Close()
	}
	if r.metrics != nil {
		ringCfg.Observer = r.metrics
	}

	ring, err := rcu.NewWithConfig(newPayload(0), ringCfg)
	if err != nil {
		return Report{}, fmt.Errorf("stress: create ring: %w", err)
	}
	r.ring = ring

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reader(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.updater(ctx)
	}()
	wg.Wait()
	elapsed := time.Since(start)

	r.teardown()

	rep := Report{
		Readers:   cfg.Readers,
		Elapsed:   elapsed,
		Updates:   r.updates.Load(),
		Exhausted: r.exhausted.Load(),
		Reads:     r.reads.Load(),
		Reclaims:  r.reclaims.Load(),
		MaxHeld:   int(r.maxHeld.Load()),
		MaxLag:    r.maxLag.Load(),
		FinalGen:  ring.Generation(),
	}
	if r.metrics != nil {
		r.metrics.Flush()
		rep.Metrics = r.metrics.GetStats()
	}

	r.mu.Lock()
	rep.Violations = r.violations
	rep.ViolationNotes = append([]string(nil), r.notes...)
	r.mu.Unlock()

	if rep.Violations > 0 {
		return rep, fmt.Errorf("%w: %d violations: %s", ErrViolation, rep.Violations, strings.Join(rep.ViolationNotes, "; "))
	}
	return rep, nil
}

func (r *run) violate(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations++
	if len(r.notes) < maxRecorded {
		r.notes = append(r.notes, fmt.Sprintf(format, args...))
	}
}

func (r *run) reclaim(p *payload) {
	if p.dead.Swap(true) {
		r.violate("payload %d reclaimed twice", p.seq)
		return
	}
	r.reclaims.Add(1)
}

func (r *run) check(p *payload, gen uint64, when string) {
	switch {
	case p == nil:
		r.violate("%s: nil payload at generation %d", when, gen)
	case p.dead.Load():
		r.violate("%s: payload %d used after reclaim", when, p.seq)
	case p.check != checksum(p.seq):
		r.violate("%s: payload %d corrupted", when, p.seq)
	}
}

func (r *run) reader(ctx context.Context) {
	fifo := queue.New()
	var reads, lastGen uint64

	release := func() {
		e := fifo.Remove().(held)
		gen := e.h.Generation()
		r.check(e.h.Get(), gen, "release")
		r.tracker.Unregister(gen)
		if r.metrics != nil {
			r.metrics.RecordHold(time.Since(e.at))
		}
		e.h.Release()
	}

	for ctx.Err() == nil {
		h := r.ring.Read()
		reads++
		gen := h.Generation()
		r.check(h.Get(), gen, "read")
		if gen < lastGen {
			r.violate("generation went back from %d to %d", lastGen, gen)
		}
		lastGen = gen

		window := 0
		if r.cfg.HoldWindow > 0 {
			window = int(fastrand.Uint32n(uint32(r.cfg.HoldWindow) + 1))
		}
		if window == 0 && fifo.Length() == 0 {
			h.Release()
			continue
		}

		r.tracker.Register(gen)
		fifo.Add(held{h: h, at: time.Now()})
		for fifo.Length() > window {
			release()
		}
	}

	for fifo.Length() > 0 {
		release()
	}
	r.reads.Add(reads)
}

func (r *run) updater(ctx context.Context) {
	seq := uint64(1)
	for {
		if !r.sleep(ctx) {
			return
		}

		err := r.ring.Update(newPayload(seq))
		switch {
		case err == nil:
			r.updates.Add(1)
			seq++
		case errors.Is(err, rcu.ErrRingExhausted):
			r.exhausted.Add(1)
		default:
			r.violate("update %d: %v", seq, err)
		}

		r.sample()
	}
}

// sleep waits UpdateInterval with up to 10% jitter and reports whether the run
// is still going.
func (r *run) sleep(ctx context.Context) bool {
	d := r.cfg.UpdateInterval
	if jitter := uint32(d / 10 / time.Microsecond); jitter > 0 {
		d += time.Duration(fastrand.Uint32n(jitter)) * time.Microsecond
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// sample records pinned-generation gauges after each publish.
func (r *run) sample() {
	active := r.tracker.ActiveCount()
	current := r.ring.Generation()
	lag := r.tracker.Lag(current)

	if active > r.cfg.Capacity {
		r.violate("%d generations pinned in a %d slot ring", active, r.cfg.Capacity)
	}
	for {
		old := r.maxHeld.Load()
		if int64(active) <= old || r.maxHeld.CompareAndSwap(old, int64(active)) {
			break
		}
	}
	for {
		old := r.maxLag.Load()
		if lag <= old || r.maxLag.CompareAndSwap(old, lag) {
			break
		}
	}

	if r.metrics != nil {
		r.metrics.SetGeneration(current)
		r.metrics.SetOutstanding(r.ring.Outstanding())
		r.metrics.SetHeld(uint64(active), lag)
	}
}

// teardown closes the ring and checks the final accounting.
func (r *run) teardown() {
	if n := r.ring.Outstanding(); n != 0 {
		r.violate("%d handles outstanding after readers stopped", n)
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				r.violate("close: %v", p)
			}
		}()
		r.ring.Close()
	}()

	if want := r.updates.Load() + 1; r.reclaims.Load() != want {
		r.violate("reclaimed %d values, published %d", r.reclaims.Load(), want)
	}
	if r.tracker.Holders() != 0 {
		r.violate("tracker still has %d holders", r.tracker.Holders())
	}
}
