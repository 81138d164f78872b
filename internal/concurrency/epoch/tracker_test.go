// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"pgregory.net/rapid"
)

func TestTrackerBasicOperations(t *testing.T) {
	Convey("Given a new tracker", t, func() {
		tr := NewTracker()

		Convey("Initially nothing is held", func() {
			So(tr.MinActive(), ShouldEqual, 0)
			So(tr.ActiveCount(), ShouldEqual, 0)
			So(tr.Holders(), ShouldEqual, 0)
			So(tr.Lag(7), ShouldEqual, 0)
		})

		Convey("When generation 10 is registered", func() {
			tr.Register(10)

			So(tr.MinActive(), ShouldEqual, 10)
			So(tr.ActiveCount(), ShouldEqual, 1)
			So(tr.Lag(10), ShouldEqual, 0)
			So(tr.Lag(13), ShouldEqual, 3)

			Convey("When generation 5 is registered", func() {
				tr.Register(5)

				So(tr.MinActive(), ShouldEqual, 5)
				So(tr.ActiveCount(), ShouldEqual, 2)
				So(tr.Lag(13), ShouldEqual, 8)

				Convey("When generation 5 is unregistered", func() {
					tr.Unregister(5)

					So(tr.MinActive(), ShouldEqual, 10)
					So(tr.ActiveCount(), ShouldEqual, 1)

					Convey("When generation 10 is unregistered", func() {
						tr.Unregister(10)

						So(tr.MinActive(), ShouldEqual, 0)
						So(tr.ActiveCount(), ShouldEqual, 0)
						So(tr.Holders(), ShouldEqual, 0)
					})
				})
			})
		})
	})
}

func TestTrackerSharedGenerations(t *testing.T) {
	Convey("Given three holders of the same generation", t, func() {
		tr := NewTracker()
		tr.Register(4)
		tr.Register(4)
		tr.Register(4)

		So(tr.ActiveCount(), ShouldEqual, 1)
		So(tr.Holders(), ShouldEqual, 3)

		Convey("The generation stays held until the last holder leaves", func() {
			tr.Unregister(4)
			tr.Unregister(4)
			So(tr.MinActive(), ShouldEqual, 4)
			So(tr.Holders(), ShouldEqual, 1)

			tr.Unregister(4)
			So(tr.MinActive(), ShouldEqual, 0)
		})

		Convey("Unregistering an unknown generation is ignored", func() {
			tr.Unregister(99)
			So(tr.Holders(), ShouldEqual, 3)
			So(tr.ActiveCount(), ShouldEqual, 1)
		})
	})
}

func TestTrackerConcurrentAccess(t *testing.T) {
	Convey("Given goroutines registering and unregistering", t, func() {
		tr := NewTracker()
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(gen uint64) {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					tr.Register(gen)
					_ = tr.MinActive()
					tr.Unregister(gen)
				}
			}(uint64(g + 1))
		}
		wg.Wait()

		So(tr.ActiveCount(), ShouldEqual, 0)
		So(tr.Holders(), ShouldEqual, 0)
	})
}

func TestPropertyTrackerMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := NewTracker()
		model := map[uint64]int{}

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			gen := rapid.Uint64Range(1, 12).Draw(t, "gen")
			if rapid.Bool().Draw(t, "register") {
				tr.Register(gen)
				model[gen]++
			} else {
				tr.Unregister(gen)
				if model[gen] > 0 {
					model[gen]--
					if model[gen] == 0 {
						delete(model, gen)
					}
				}
			}

			var min uint64
			holders := 0
			for g, n := range model {
				if min == 0 || g < min {
					min = g
				}
				holders += n
			}
			if got := tr.MinActive(); got != min {
				t.Fatalf("MinActive %d, model %d", got, min)
			}
			if got := tr.ActiveCount(); got != len(model) {
				t.Fatalf("ActiveCount %d, model %d", got, len(model))
			}
			if got := tr.Holders(); got != holders {
				t.Fatalf("Holders %d, model %d", got, holders)
			}
		}
	})
}
