//go:build kcore_debug

package irq

// DebugChecked gates the extra invariant assertions described in §5
// ("checked in debug builds"). Built only with -tags kcore_debug.
const DebugChecked = true
