// Package sched implements the preemptive priority scheduler
// (component C): per-core ready sets, an idle thread, a sleep queue,
// thread lifecycle, the dispatch algorithm, and cross-core wakeup.
//
// A real kernel context-switches by saving and restoring CPU registers
// (the thread's vCPU, per §6). Go gives us no such register access, so
// here a thread's "vCPU and kernel stack" are simply the goroutine Go
// already allocated for it: CreateThread spawns one goroutine per
// thread, and dispatch is a baton handoff over a buffered channel
// (resumeCh) rather than a literal register restore — the goroutine
// that currently holds the baton is, by construction, the only one of
// this core's threads not parked on a channel receive, which is
// exactly the "RUNNING owns the core" invariant the spec requires.
// This mirrors the G-status model in the Go runtime itself
// (_Grunnable/_Grunning/_Gwaiting) and the toy G/P/M schedulers that
// hand a logical processor between machines via a channel.
package sched

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/dijkstracula/kcore/internal/waitq"
	"github.com/dijkstracula/kcore/kerrors"
)

// Priority levels. Lower numbers are more urgent. PrioIdle is never
// eligible for a ready queue; it is used only to tag the per-core idle
// thread and is selected by the dispatcher exactly when every real
// ready queue is empty.
const (
	PrioHighest       = 0
	PrioLowest        = 31
	PrioIdle          = PrioLowest + 1
	NumPriorityLevels = PrioIdle + 1
)

// ValidPriority reports whether p is a legal base/effective priority
// for a non-idle thread.
func ValidPriority(p int) bool { return p >= PrioHighest && p <= PrioLowest }

// State is a thread's lifecycle state.
type State int32

const (
	// StateReady means the thread is on a core's ready queue, not
	// executing, stack intact.
	StateReady State = iota
	// StateRunning means the thread owns its core and may execute; it is
	// not on any ready queue.
	StateRunning
	// StateWaiting means the thread is blocked on a futex/semaphore/
	// mutex/join; WaitReason says which.
	StateWaiting
	// StateSleeping means the thread is parked on a core's sleep queue
	// until its deadline.
	StateSleeping
	// StateZombie means the thread has exited; only its join slot and
	// exit value remain live until a joiner collects them.
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateSleeping:
		return "SLEEPING"
	case StateZombie:
		return "ZOMBIE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// WaitReason qualifies a StateWaiting thread.
type WaitReason int32

const (
	WaitNone WaitReason = iota
	WaitFutex
	WaitSemaphore
	WaitMutex
	WaitJoin
)

// WakeReason is reported back to a waiter when it resumes from a
// futex-backed wait.
type WakeReason int32

const (
	// WakeSignalled means the condition changed and the wait succeeded.
	WakeSignalled WakeReason = iota
	// WakeDestroyed means the primitive waited on was torn down.
	WakeDestroyed
	// WakeCancelled means the scheduler aborted the wait (e.g. the
	// thread was killed); the caller should retry.
	WakeCancelled
)

// Discipline selects FIFO or priority-ordered wait-queue insertion.
type Discipline int

const (
	FIFO Discipline = iota
	PriorityOrder
)

const noCore = -1

// Thread is the kernel's unit of execution. See package doc for how it
// maps onto a goroutine.
type Thread struct {
	ID   uint64
	Name string

	affinity uint64
	core     *Core
	sched    *Scheduler

	state      atomic.Int32
	waitReason atomic.Int32
	basePrio   atomic.Int32
	effPrio    atomic.Int32

	resumeCh chan struct{}
	fn       func(*Thread)

	// readyNode is reused across every ready-queue/sleep-queue insertion
	// for this thread; at most one is active at a time (never both a
	// ready and a sleep enlistment simultaneously), which is the same
	// "at most one wait queue at a time" invariant the spec states for
	// futex waits.
	readyNode waitq.Node

	// wait bookkeeping, valid only while State() == StateWaiting.
	waitQueue  *waitq.Queue
	waitNode   *waitq.Node
	wakeReason atomic.Int32

	sleepDeadline atomic.Int64

	// join bookkeeping. joinTaken is a permanent one-way claim ("has
	// this thread ever been joined"); joinWaiter only tracks who is
	// currently outstanding and is cleared once woken. See Join in
	// scheduler.go.
	joinWaiter atomic.Pointer[Thread]
	joinTaken  atomic.Bool
	exitValue  atomic.Int64
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() State { return State(t.state.Load()) }

func (t *Thread) setState(s State) { t.state.Store(int32(s)) }

// WaitReason returns the thread's wait reason; meaningful only when
// State() == StateWaiting.
func (t *Thread) WaitReason() WaitReason { return WaitReason(t.waitReason.Load()) }

// BasePriority returns the thread's base priority.
func (t *Thread) BasePriority() int { return int(t.basePrio.Load()) }

// EffectivePriority returns the thread's effective priority.
func (t *Thread) EffectivePriority() int { return int(t.effPrio.Load()) }

// Affinity returns the bitmap of cores this thread may run on.
func (t *Thread) Affinity() uint64 { return t.affinity }

// Core returns the core this thread is permanently assigned to. This
// implementation, like the spec, chooses a thread's core once at
// creation time (§4.3's "picks an initial core") and does not migrate
// it afterward.
func (t *Thread) Core() *Core { return t.core }

// Scheduler returns the scheduler that owns this thread, for
// primitives (futex/semaphore/mutex) that need to hand a waiter back
// to the ready set without threading a Scheduler reference through
// every call.
func (t *Thread) Scheduler() *Scheduler { return t.sched }

// BeginWait records that the calling thread is about to park on q
// (already enlisted there by the caller), for reason, and stores the
// queue and node UpdatePriority uses to find it again.
func (t *Thread) BeginWait(q *waitq.Queue, node *waitq.Node, reason WaitReason) {
	t.waitQueue = q
	t.waitNode = node
	t.waitReason.Store(int32(reason))
	t.setState(StateWaiting)
}

// EndWait clears wait bookkeeping once the thread has resumed.
func (t *Thread) EndWait() {
	t.waitQueue = nil
	t.waitNode = nil
	t.waitReason.Store(int32(WaitNone))
}

// SetWakeReason stashes the reason a waiter should observe once it
// resumes; called by the waker under the relevant spinlock before
// dispatch, read by the waiter immediately after resuming.
func (t *Thread) SetWakeReason(r WakeReason) { t.wakeReason.Store(int32(r)) }

// TakeWakeReason returns the reason most recently stashed by a waker;
// it does not clear it.
func (t *Thread) TakeWakeReason() WakeReason { return WakeReason(t.wakeReason.Load()) }

// bitForCore panics with InvalidValue semantics if coreID is out of
// the 0..63 range this bitmap affinity representation supports.
func bitForCore(coreID int) uint64 {
	if coreID < 0 || coreID >= 64 {
		panic(kerrors.New("sched.bitForCore", kerrors.InvalidValue))
	}
	return uint64(1) << uint(coreID)
}

// lowestSetBit returns the index of the lowest set bit, or -1 if mask
// is zero.
func lowestSetBit(mask uint64) int {
	if mask == 0 {
		return -1
	}
	return bits.TrailingZeros64(mask)
}
