// Package irq implements the interrupt discipline and spinlock
// contract that every other component in the concurrency core is
// built on (component A of the core): save/restore of a per-core
// interrupt-enable flag, with LIFO nesting, and a non-reentrant
// test-and-set spinlock whose acquisition is meant to be bracketed by
// a critical section.
//
// A real CPU gives enter/exit critical a register to read and write;
// here a *Section* plays that register's role, one instance per
// simulated core. Nothing in this package knows what a "core" is
// beyond "whoever holds the *Section".
package irq

import (
	"runtime"
	"sync/atomic"
)

// Section tracks one core's interrupt-enable state and the LIFO stack
// of previously-saved states. Its zero value is not usable; construct
// with NewSection.
type Section struct {
	enabled bool
	saved   []bool
}

// NewSection returns a Section with interrupts initially enabled.
func NewSection() *Section {
	return &Section{enabled: true}
}

// Enter disables interrupts and returns the previous enable state.
// Nesting is permitted: each Enter must be paired with exactly one
// Exit, in LIFO order, by whoever owns this Section.
func (s *Section) Enter() (saved bool) {
	saved = s.enabled
	s.enabled = false
	s.saved = append(s.saved, saved)
	return saved
}

// Exit restores exactly the state saved by the matching Enter. It
// never unconditionally re-enables interrupts. Calling Exit out of
// LIFO order, or with a section whose saved-flags stack is empty, is
// an invariant violation and panics: the composite kernel-lock
// contract (§4.1) requires this pairing to be exact.
func (s *Section) Exit(saved bool) {
	n := len(s.saved)
	if n == 0 {
		panic("irq: exit_critical called with empty saved-flags stack")
	}
	top := s.saved[n-1]
	if top != saved {
		panic("irq: exit_critical out of LIFO order")
	}
	s.saved = s.saved[:n-1]
	s.enabled = saved
}

// Depth reports how many nested Enter calls are outstanding. A
// suspension point must observe Depth() == 0 before parking: holding a
// spinlock (or a critical section) while suspending is forbidden, and
// this is exactly what debug builds assert (§5).
func (s *Section) Depth() int { return len(s.saved) }

// Enabled reports the section's current interrupt-enable state.
func (s *Section) Enabled() bool { return s.enabled }

const noHolder = -1

// SpinLock is a non-reentrant test-and-set word. Acquisition spins
// with a scheduling-relaxation hint; release publishes with release
// semantics via an atomic store. A core that already holds the lock
// must not attempt to re-acquire it; DebugChecked builds catch this.
type SpinLock struct {
	flag   int32
	holder int64 // id of the current holder, or noHolder
}

// NewSpinLock returns an unheld SpinLock.
func NewSpinLock() *SpinLock {
	return &SpinLock{holder: noHolder}
}

// Lock acquires the spinlock on behalf of holder (typically a core
// id). It spins until successful.
func (l *SpinLock) Lock(holder int) {
	for {
		if atomic.CompareAndSwapInt32(&l.flag, 0, 1) {
			atomic.StoreInt64(&l.holder, int64(holder))
			return
		}
		if DebugChecked && atomic.LoadInt64(&l.holder) == int64(holder) {
			panic("irq: spinlock re-entered by current holder")
		}
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the spinlock without spinning.
func (l *SpinLock) TryLock(holder int) bool {
	if atomic.CompareAndSwapInt32(&l.flag, 0, 1) {
		atomic.StoreInt64(&l.holder, int64(holder))
		return true
	}
	return false
}

// Unlock releases the spinlock.
func (l *SpinLock) Unlock() {
	atomic.StoreInt64(&l.holder, noHolder)
	atomic.StoreInt32(&l.flag, 0)
}

// WithKernelLock implements the composite "kernel lock" contract of
// §4.1: enter critical, acquire the spinlock, run fn, release the
// spinlock, exit critical — in that order. Code mutating scheduler or
// primitive state should generally go through this helper rather than
// sequencing the steps by hand.
func WithKernelLock(sec *Section, lock *SpinLock, holder int, fn func()) {
	saved := sec.Enter()
	lock.Lock(holder)
	fn()
	lock.Unlock()
	sec.Exit(saved)
}
