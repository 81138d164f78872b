// Licensed under the MIT License. See LICENSE file in the project root for details.

package rcu

import "time"

// Observer receives ring events. Implementations must be safe for concurrent
// use and must not block: ObserveRead runs on every Read.
type Observer interface {
	// ObserveRead is called after a successful Read with the number of
	// attempts that had to be retried.
	ObserveRead(retries int)
	// ObserveUpdate is called after every Update with its duration and result.
	ObserveUpdate(d time.Duration, err error)
	// ObserveReclaim is called each time a value's last reference is dropped.
	ObserveReclaim()
}

type nopObserver struct{}

func (nopObserver) ObserveRead(int)                    {}
func (nopObserver) ObserveUpdate(time.Duration, error) {}
func (nopObserver) ObserveReclaim()                    {}
