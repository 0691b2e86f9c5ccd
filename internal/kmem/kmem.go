// Package kmem is the sole MMU query the core consumes (§6):
// physical_address_of(virtual). In the absence of a real MMU, a
// process's virtual and physical address spaces coincide, so this is
// implemented as the pointer's bit pattern; what matters for the
// futex table (internal/futex) is only that the mapping is stable for
// the handle's lifetime and that distinct handles never collide,
// both of which a pointer identity gives for free.
package kmem

import "unsafe"

// PhysicalAddressOf returns the physical address backing ptr, or ok ==
// false if ptr is nil (mirroring the contract's Option return).
func PhysicalAddressOf(ptr unsafe.Pointer) (addr uint64, ok bool) {
	if ptr == nil {
		return 0, false
	}
	return uint64(uintptr(ptr)), true
}
