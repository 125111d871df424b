// Package timeout converts user-supplied minute values into delegate timeouts.
//
// Delegate task timeouts are 32-bit millisecond counts. A value that cannot be
// represented is reported as "no timeout" rather than wrapped, so callers fall
// back to their own default.
package timeout

import (
	"math"
	"time"
)

const millisPerMinute = int64(time.Minute / time.Millisecond)

// MaxMillis is the largest timeout a delegate task can carry.
const MaxMillis = int64(math.MaxInt32)

// ResolveMillis converts minutes into milliseconds. Nil, zero and negative
// input yields nil, as does any value whose conversion overflows MaxMillis.
func ResolveMillis(minutes *int) *int64 {
	if minutes == nil || *minutes <= 0 {
		return nil
	}
	m := int64(*minutes)
	if m > MaxMillis/millisPerMinute {
		return nil
	}
	ms := m * millisPerMinute
	return &ms
}

// ResolveMillisClamped clamps minutes into [lo, hi] before resolving. Nil and
// zero input still yield nil; clamping never turns "no timeout" into a value.
func ResolveMillisClamped(minutes *int, lo, hi int) *int64 {
	if minutes == nil || *minutes <= 0 {
		return nil
	}
	m := *minutes
	if m < lo {
		m = lo
	}
	if hi > 0 && m > hi {
		m = hi
	}
	return ResolveMillis(&m)
}

// Duration converts a resolved timeout back into a time.Duration. Nil maps to
// def.
func Duration(millis *int64, def time.Duration) time.Duration {
	if millis == nil {
		return def
	}
	return time.Duration(*millis) * time.Millisecond
}

// Minutes is a convenience for building the *int argument.
func Minutes(n int) *int {
	return &n
}
