// Package ktime is the time-base contract of §6: a monotonic
// nanosecond counter, wrap-safe for at least centuries. It exists so
// the scheduler's sleep deadlines never call time.Now directly — they
// go through here, the way the core's
// external collaborators are named by contract only.
package ktime

import "time"

var epoch = time.Now()

// NowNS returns a monotonic nanosecond timestamp relative to process
// start. A signed int64 nanosecond counter started at process boot
// does not wrap for roughly 292 years, satisfying the "wrap-safe for
// at least centuries" requirement without needing an unsigned counter
// or explicit epoch management.
func NowNS() int64 {
	return int64(time.Since(epoch))
}
