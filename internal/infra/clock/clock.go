// Package clock is the single entry point for time in this module. Per
// spec §9 it distinguishes wall-clock unix time (TTLs, freshness windows,
// log records) from a monotonic clock (debounces, cooperative sleeps,
// rate-limit buckets) — both read through this package so nothing else
// reaches for time.Now() directly.
package clock

import "time"

// Now returns wall-clock time, safe for TTL/freshness computation.
func Now() time.Time {
	return time.Now().UTC()
}

// Monotonic returns a value only meaningful for measuring elapsed duration
// between two calls (debounce windows, sleep scheduling); never compare it
// against a Now() value.
func Monotonic() time.Time {
	return time.Now()
}

// UnixOffset tracks the shared unix-time offset described in spec §4.G:
// updateOption{unix_time} reports the native client's view of unix time,
// and the larger of the per-client and shared values wins. The offset is
// advanced only forward, never backward.
type UnixOffset struct {
	offsetSeconds int64
}

// Observe folds in a unix-time reading from the native client, keeping the
// larger of the current and newly observed offsets.
func (u *UnixOffset) Observe(nativeUnixTime int64) {
	observed := nativeUnixTime - Now().Unix()
	if observed > u.offsetSeconds {
		u.offsetSeconds = observed
	}
}

// Adjusted returns Now() shifted by the currently tracked offset.
func (u *UnixOffset) Adjusted() time.Time {
	return Now().Add(time.Duration(u.offsetSeconds) * time.Second)
}
