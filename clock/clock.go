// Package clock provides a seam for the current time, following the same
// Now/After split jacobsa/timeutil.Clock uses, so internal/index's LRU
// bookkeeping can be driven by SimulatedClock in tests instead of wall time.
package clock

import "time"

// Clock is satisfied by RealClock, FakeClock and SimulatedClock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

var (
	_ Clock = RealClock{}
	_ Clock = (*FakeClock)(nil)
	_ Clock = (*SimulatedClock)(nil)
)
