package spice

import "time"

// monotonicBase is the reference point for monotonicTimestamp.
var monotonicBase = time.Now()

// monotonicTimestamp supplies MSGC_DISCONNECTING's timestamp field as
// nanoseconds since process start. time.Since uses the monotonic reading
// time.Now() carries, and a single diagnostic field isn't worth an
// injection point the way password encryption is.
func monotonicTimestamp() uint64 {
	return uint64(time.Since(monotonicBase))
}
