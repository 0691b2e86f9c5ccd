//go:build !kcore_debug

package irq

// DebugChecked is false in release builds; the extra invariant
// assertions are compiled out entirely rather than branched around, so
// they cost nothing on the hot path.
const DebugChecked = false
