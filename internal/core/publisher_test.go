// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kianostad/lfrcu/internal/concurrency/rcu"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

// counter returns a loader that yields 1, 2, 3, ...
func counter() (Loader[int], *atomic.Int64) {
	var n atomic.Int64
	return func(context.Context) (*int, error) {
		v := int(n.Add(1))
		return &v, nil
	}, &n
}

func newRing(t *testing.T, capacity int) *rcu.Ring[int] {
	t.Helper()
	v := 0
	r, err := rcu.NewWithConfig(&v, rcu.Config[int]{Capacity: capacity})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	return r
}

func TestPublisherRefresh(t *testing.T) {
	Convey("Given a publisher over a three slot ring", t, func() {
		ring := newRing(t, 3)
		load, _ := counter()
		pub := NewPublisher(ring, load, DefaultPublisherConfig())

		Convey("Refresh publishes the loaded value", func() {
			So(pub.Refresh(context.Background()), ShouldBeNil)
			h := ring.Read()
			So(h.Value(), ShouldEqual, 1)
			So(h.Generation(), ShouldEqual, 2)
			h.Release()

			st := pub.Stats()
			So(st.Attempts, ShouldEqual, 1)
			So(st.Published, ShouldEqual, 1)
			So(st.LastError, ShouldBeNil)
		})

		Convey("Refresh fails with ErrRingExhausted while readers pin every slot", func() {
			h1 := ring.Read()
			So(pub.Refresh(context.Background()), ShouldBeNil)
			h2 := ring.Read()
			So(pub.Refresh(context.Background()), ShouldBeNil)
			h3 := ring.Read()

			err := pub.Refresh(context.Background())
			So(errors.Is(err, rcu.ErrRingExhausted), ShouldBeTrue)
			So(pub.Stats().Exhausted, ShouldEqual, 1)
			So(errors.Is(pub.Stats().LastError, rcu.ErrRingExhausted), ShouldBeTrue)

			Convey("and succeeds again once a reader lets go", func() {
				h1.Release()
				So(pub.Refresh(context.Background()), ShouldBeNil)
				So(ring.Generation(), ShouldEqual, 4)
				h2.Release()
				h3.Release()
			})
		})

		Convey("Publishing after the ring is closed reports ErrClosed", func() {
			ring.Close()
			err := pub.Refresh(context.Background())
			So(errors.Is(err, rcu.ErrClosed), ShouldBeTrue)
			So(pub.Stats().Failed, ShouldEqual, 1)
		})
	})
}

func TestPublisherLoaderResults(t *testing.T) {
	Convey("Given a ring", t, func() {
		ring := newRing(t, 3)

		Convey("A loader error is wrapped and counted", func() {
			boom := errors.New("source unavailable")
			pub := NewPublisher(ring, func(context.Context) (*int, error) {
				return nil, boom
			}, DefaultPublisherConfig())

			err := pub.Refresh(context.Background())
			So(errors.Is(err, boom), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "core: load")
			So(pub.Stats().LoadErrors, ShouldEqual, 1)
			So(ring.Generation(), ShouldEqual, 1)
		})

		Convey("A nil value is rejected by the ring", func() {
			pub := NewPublisher(ring, func(context.Context) (*int, error) {
				return nil, nil
			}, DefaultPublisherConfig())

			So(errors.Is(pub.Refresh(context.Background()), rcu.ErrNilValue), ShouldBeTrue)
		})

		Convey("Returning the active value counts as unchanged", func() {
			current := ring.Read()
			active := current.Get()
			current.Release()

			pub := NewPublisher(ring, func(context.Context) (*int, error) {
				return active, nil
			}, DefaultPublisherConfig())

			So(pub.Refresh(context.Background()), ShouldBeNil)
			So(pub.Stats().Unchanged, ShouldEqual, 1)
			So(ring.Generation(), ShouldEqual, 1)
		})

		Convey("A slow loader hits LoadTimeout", func() {
			cfg := DefaultPublisherConfig()
			cfg.LoadTimeout = 10 * time.Millisecond
			pub := NewPublisher(ring, func(ctx context.Context) (*int, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}, cfg)

			err := pub.Refresh(context.Background())
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		})
	})
}

func TestPublisherBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a started publisher with a short interval", t, func() {
		ring := newRing(t, 4)
		load, _ := counter()
		pub := NewPublisher(ring, load, PublisherConfig{Interval: 2 * time.Millisecond})
		pub.Start()
		pub.Start()

		deadline := time.Now().Add(2 * time.Second)
		for ring.Generation() < 5 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		pub.Stop()
		pub.Stop()

		Convey("It published several generations and stopped cleanly", func() {
			So(ring.Generation(), ShouldBeGreaterThanOrEqualTo, 5)
			gen := ring.Generation()
			time.Sleep(10 * time.Millisecond)
			So(ring.Generation(), ShouldEqual, gen)
			So(pub.Stats().Published, ShouldEqual, gen-1)
		})

		Convey("Start after Stop does nothing", func() {
			pub.Start()
			gen := ring.Generation()
			time.Sleep(10 * time.Millisecond)
			So(ring.Generation(), ShouldEqual, gen)
		})

		ring.Close()
	})
}

func TestDefaultPublisherConfig(t *testing.T) {
	Convey("Given a zero config", t, func() {
		ring := newRing(t, 2)
		load, _ := counter()
		pub := NewPublisher(ring, load, PublisherConfig{})

		So(pub.cfg.Interval, ShouldEqual, DefaultPublisherConfig().Interval)
		So(pub.cfg.LoadTimeout, ShouldEqual, 0)
		ring.Close()
	})
}
