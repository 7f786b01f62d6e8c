// Package vrtime defines and manages the simulation time scalar used
// to order pending events in the scheduler core.
//
// Time is a plain IEEE-754 double. Two times are considered equal when
// they differ by no more than one unit in the last place (ulp); this
// guards comparisons against the rounding that accumulates when many
// small offsets are added to a running clock.
package vrtime

import (
	"fmt"
	"math"
)

// Time is the simulation-time scalar carried by every pending event.
// It measures elapsed simulation time from an arbitrary epoch; smaller
// values happen earlier. There is no secondary tie-break field here —
// callers that need a deterministic order among events sharing a Time
// (e.g. the scheduler's (recv_time, receiver) order) supply their own
// secondary key alongside Time.
type Time float64

// Infinity is larger than every finite Time a running simulation can
// produce. It is used as a sentinel "no more events" bound and as the
// key-space upper sentinel inside the skip-list priority queue.
var Infinity Time = Time(math.Inf(1))

// Zero is the additive identity and the conventional start-of-simulation
// time.
const Zero Time = 0

// ulpTolerance bounds how far apart two Time values may be and still
// compare Equal: one ulp relative to the larger magnitude.
func ulpTolerance(a, b float64) float64 {
	mag := math.Abs(a)
	if math.Abs(b) > mag {
		mag = math.Abs(b)
	}
	return math.Nextafter(mag, math.Inf(1)) - mag
}

// FromSeconds constructs a Time from a fractional number of seconds.
func FromSeconds(v float64) Time {
	return Time(v)
}

// Seconds returns the Time as a fractional number of seconds.
func (t Time) Seconds() float64 {
	return float64(t)
}

// String renders a Time for diagnostics, mirroring the precision used
// by report_stats / pretty_print call sites.
func (t Time) String() string {
	if t == Infinity {
		return "+Inf"
	}
	return fmt.Sprintf("%.6f", float64(t))
}

// LT returns true iff the receiver is strictly less than t1, outside
// the equality tolerance.
func (t Time) LT(t1 Time) bool {
	return !t.EQ(t1) && float64(t) < float64(t1)
}

// GT returns true iff the receiver is strictly greater than t1, outside
// the equality tolerance.
func (t Time) GT(t1 Time) bool {
	return !t.EQ(t1) && float64(t) > float64(t1)
}

// EQ implements TIME_EQUALS: true iff the two times differ by no more
// than one ulp of the larger magnitude.
func (t Time) EQ(t1 Time) bool {
	a, b := float64(t), float64(t1)
	if a == b {
		return true
	}
	if math.IsInf(a, 1) || math.IsInf(b, 1) {
		return math.IsInf(a, 1) && math.IsInf(b, 1)
	}
	return math.Abs(a-b) <= ulpTolerance(a, b)
}

// LE returns true iff the receiver is less than or equal to t1.
func (t Time) LE(t1 Time) bool {
	return t.LT(t1) || t.EQ(t1)
}

// GE returns true iff the receiver is greater than or equal to t1.
func (t Time) GE(t1 Time) bool {
	return t.GT(t1) || t.EQ(t1)
}

// NEQ returns true iff the receiver is not EQ to t1.
func (t Time) NEQ(t1 Time) bool {
	return !t.EQ(t1)
}

// Plus returns the receiver advanced by a non-negative offset.
func (t Time) Plus(offset Time) Time {
	return t + offset
}

// Compare returns -1, 0, or 1 as the receiver is less than, equal to,
// or greater than t1, using the same tolerance as EQ/LT/GT. It is the
// primitive the heap-backed queues build their comparators from.
func Compare(lhs, rhs Time) int {
	if lhs.LT(rhs) {
		return -1
	}
	if lhs.GT(rhs) {
		return 1
	}
	return 0
}
