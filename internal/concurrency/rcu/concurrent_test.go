// Licensed under the MIT License. See LICENSE file in the project root for details.

package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

// payload lets readers detect both torn values and use after reclaim.
type payload struct {
	seq   uint64
	check uint64
	dead  atomic.Bool
}

func newPayload(seq uint64) *payload {
	return &payload{seq: seq, check: seq*2654435761 + 1}
}

func (p *payload) intact() bool {
	return p.check == p.seq*2654435761+1 && !p.dead.Load()
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a small ring shared by many readers and one writer", t, func() {
		var reclaimed atomic.Uint64
		r, err := NewWithConfig(newPayload(0), Config[payload]{
			Capacity: 4,
			Reclaim: func(p *payload) {
				if p.dead.Swap(true) {
					panic("payload reclaimed twice")
				}
				reclaimed.Add(1)
			},
		})
		So(err, ShouldBeNil)

		Convey("When they race for a while", func() {
			const readers = 8
			var (
				wg         sync.WaitGroup
				stop       atomic.Bool
				reads      atomic.Uint64
				violations atomic.Uint64
				published  atomic.Uint64
			)

			for i := 0; i < readers; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					var held []*Handle[payload]
					var lastGen uint64
					for !stop.Load() {
						h := r.Read()
						if !h.Get().intact() || h.Generation() < lastGen {
							violations.Add(1)
						}
						lastGen = h.Generation()
						reads.Add(1)

						// Keep a few generations pinned so the writer sees
						// exhaustion and deferred reclamation.
						held = append(held, h)
						if len(held) > id%3 {
							for _, old := range held {
								if !old.Get().intact() {
									violations.Add(1)
								}
								old.Release()
							}
							held = held[:0]
						}
						if id%2 == 0 {
							runtime.Gosched()
						}
					}
					for _, old := range held {
						old.Release()
					}
				}(i)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				seq := uint64(1)
				for !stop.Load() {
					if err := r.Update(newPayload(seq)); err == nil {
						published.Add(1)
						seq++
					}
					time.Sleep(50 * time.Microsecond)
				}
			}()

			time.Sleep(300 * time.Millisecond)
			stop.Store(true)
			wg.Wait()

			Convey("Then no reader saw a reclaimed or torn value", func() {
				So(violations.Load(), ShouldEqual, 0)
				So(reads.Load(), ShouldBeGreaterThan, 0)
				So(published.Load(), ShouldBeGreaterThan, 0)
			})

			Convey("And closing reclaims every published value exactly once", func() {
				So(r.Outstanding(), ShouldEqual, 0)
				So(func() { r.Close() }, ShouldNotPanic)
				So(reclaimed.Load(), ShouldEqual, published.Load()+1)
			})
		})
	})
}

func TestConcurrentWriters(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given several goroutines updating the same ring", t, func() {
		v := 0
		r, err := New(&v)
		So(err, ShouldBeNil)

		const writers, perWriter = 4, 200
		var wg sync.WaitGroup
		var ok atomic.Uint64
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					n := i
					if r.Update(&n) == nil {
						ok.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		Convey("Then writers serialise and every update lands", func() {
			So(ok.Load(), ShouldEqual, writers*perWriter)
			So(r.Generation(), ShouldEqual, writers*perWriter+1)
			So(func() { r.Close() }, ShouldNotPanic)
		})
	})
}

func BenchmarkRead(b *testing.B) {
	v := 42
	r, err := New(&v)
	if err != nil {
		b.Fatal(err)
	}
	defer r.Close()

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h := r.Read()
			h.Release()
		}
	})
}

func BenchmarkReadDuringUpdates(b *testing.B) {
	v := 42
	r, err := New(&v)
	if err != nil {
		b.Fatal(err)
	}

	var stop atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !stop.Load() {
			n := 24
			_ = r.Update(&n)
			time.Sleep(time.Millisecond)
		}
	}()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h := r.Read()
			h.Release()
		}
	})

	stop.Store(true)
	<-done
	r.Close()
}
