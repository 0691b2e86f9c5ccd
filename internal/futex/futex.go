// Package futex implements the process-wide futex table (component D):
// a map from a 64-bit physical-address key to a queue of blocked
// threads, the universal building block every higher primitive (E, F)
// is layered on. It is grounded on the bucketed wait-list design of
// folly's Futex (as ported in twmb/dash's experimental futex package)
// but keyed by an explicit map instead of a fixed hash-mod bucket
// array, since this kernel's futex handles are long-lived struct
// fields rather than ephemeral stack values.
package futex

import (
	"unsafe"

	"github.com/dijkstracula/kcore/internal/irq"
	"github.com/dijkstracula/kcore/internal/kmem"
	"github.com/dijkstracula/kcore/internal/sched"
	"github.com/dijkstracula/kcore/internal/waitq"
	"github.com/dijkstracula/kcore/kerrors"
	"github.com/dijkstracula/kcore/klog"
)

// maxWaitersPerKey bounds how many threads may simultaneously wait on
// one futex entry (§4.4's "implementation-defined upper bound").
const maxWaitersPerKey = 4096

// Reason is the outcome a waiter observes when Wait returns.
type Reason int

const (
	// NotBlocked means Wait returned without ever enqueueing: the
	// primitive's precondition (alive, *handle == expected) was
	// already false by the time the table could look at it.
	NotBlocked Reason = iota
	// Wake means the condition changed and a waker chose this waiter.
	Wake
	// Destroyed means the owning primitive was torn down.
	Destroyed
	// Cancelled means the scheduler aborted the wait (thread killed).
	Cancelled
)

func (r Reason) String() string {
	switch r {
	case NotBlocked:
		return "NOT_BLOCKED"
	case Wake:
		return "WAKE"
	case Destroyed:
		return "DESTROYED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

type waiter struct {
	th       *sched.Thread
	expected int32
}

type entry struct {
	key     uint64
	sec     *irq.Section
	lock    *irq.SpinLock
	waiters waitq.Queue
	count   int
}

// Table is the process-wide futex table singleton. Construct one with
// New and share it between every semaphore and mutex in the process.
type Table struct {
	sec     *irq.Section
	lock    *irq.SpinLock
	entries map[uint64]*entry
	log     klog.Logger
}

// New constructs an empty futex table.
func New(log klog.Logger) *Table {
	return &Table{
		sec:     irq.NewSection(),
		lock:    irq.NewSpinLock(),
		entries: make(map[uint64]*entry),
		log:     log,
	}
}

func (t *Table) keyOf(handle unsafe.Pointer) (uint64, error) {
	addr, ok := kmem.PhysicalAddressOf(handle)
	if !ok {
		return 0, kerrors.New("futex.keyOf", kerrors.NullArgument)
	}
	return addr, nil
}

func (t *Table) getOrCreateLocked(key uint64) *entry {
	if e, ok := t.entries[key]; ok {
		return e
	}
	e := &entry{
		key:  key,
		sec:  irq.NewSection(),
		lock: irq.NewSpinLock(),
	}
	t.entries[key] = e
	return e
}

// Wait implements §4.4's wait contract. handle is the caller's 32-bit
// value, read is a function returning its current contents, expected
// is the value the caller observed before deciding to block, alive
// reports whether the owning primitive is still alive, disc/prioKey
// select FIFO or priority-ordered enlistment, and th is the calling
// thread (already running on its own core's goroutine, providing the
// holder identity the two spinlocks below are bracketed with).
func (t *Table) Wait(handle unsafe.Pointer, read func() int32, expected int32, alive func() bool, disc sched.Discipline, prioKey int64, th *sched.Thread) (Reason, error) {
	key, err := t.keyOf(handle)
	if err != nil {
		return NotBlocked, err
	}
	holder := int(th.ID)

	if !alive() || read() != expected {
		return NotBlocked, nil
	}

	tsaved := t.sec.Enter()
	t.lock.Lock(holder)
	e := t.getOrCreateLocked(key)
	t.lock.Unlock()
	t.sec.Exit(tsaved)

	esaved := e.sec.Enter()
	e.lock.Lock(holder)

	if !alive() || read() != expected {
		e.lock.Unlock()
		e.sec.Exit(esaved)
		return NotBlocked, nil
	}

	if e.count >= maxWaitersPerKey {
		e.lock.Unlock()
		e.sec.Exit(esaved)
		return NotBlocked, kerrors.New("futex.Wait", kerrors.NoMemory)
	}

	node := &waitq.Node{Payload: waiter{th: th, expected: expected}}
	if disc == sched.PriorityOrder {
		e.waiters.PushPriority(node, prioKey)
	} else {
		e.waiters.PushTail(node)
	}
	e.count++
	th.BeginWait(&e.waiters, node, sched.WaitFutex)

	e.lock.Unlock()
	e.sec.Exit(esaved)

	sched.Block(th)

	reason := fromSchedWakeReason(th.TakeWakeReason())

	esaved = e.sec.Enter()
	e.lock.Lock(holder)
	stillAlive := alive()
	empty := e.count == 0
	e.lock.Unlock()
	e.sec.Exit(esaved)

	if empty && !stillAlive {
		t.maybeGC(key, holder)
	}

	return reason, nil
}

func fromSchedWakeReason(r sched.WakeReason) Reason {
	switch r {
	case sched.WakeDestroyed:
		return Destroyed
	case sched.WakeCancelled:
		return Cancelled
	default:
		return Wake
	}
}

// Wake implements §4.4's wake contract: look up the entry for handle's
// physical address and wake at most count waiters whose expected value
// no longer matches *handle, returning how many were actually woken.
// Waiters whose expected still matches are left enlisted — they are
// genuinely still waiting for a later change. caller identifies the
// thread driving this wake (e.g. the poster/unlocker), used only as
// the spinlock holder id.
func (t *Table) Wake(handle unsafe.Pointer, read func() int32, count int, caller *sched.Thread) int {
	towake := t.PopEligible(handle, read, count, caller)
	for _, th := range towake {
		th.Scheduler().WakeWaiting(th, sched.WakeSignalled)
	}
	return len(towake)
}

// PopEligible removes up to count waiters from handle's entry whose
// expected value no longer matches *handle, and returns them without
// dispatching them back to their cores. Ordinary callers want Wake;
// this is for primitives (e.g. the mutex's unlock handoff) that must
// finish an ownership transfer under their own lock before the woken
// thread can possibly observe the change, per §4.6's "atomically
// transfer ownership before anyone else can observe the free slot".
func (t *Table) PopEligible(handle unsafe.Pointer, read func() int32, count int, caller *sched.Thread) []*sched.Thread {
	key, err := t.keyOf(handle)
	if err != nil || count <= 0 {
		return nil
	}
	holder := int(caller.ID)

	saved := t.sec.Enter()
	t.lock.Lock(holder)
	e, ok := t.entries[key]
	t.lock.Unlock()
	t.sec.Exit(saved)
	if !ok {
		return nil
	}

	esaved := e.sec.Enter()
	e.lock.Lock(holder)

	var towake []*sched.Thread
	current := read()
	remaining := e.waiters.Len()
	for remaining > 0 && len(towake) < count {
		n := e.waiters.PopHead()
		remaining--
		w := n.Payload.(waiter)
		if w.expected != current {
			towake = append(towake, w.th)
			e.count--
		} else {
			// Still a genuine waiter on the current value: requeue it.
			e.waiters.PushTail(n)
		}
	}

	e.lock.Unlock()
	e.sec.Exit(esaved)

	return towake
}

// WakeAll wakes every waiter on handle's entry with reason, used by
// Destroy paths (§4.5, §4.6). It ignores the expected-value filter:
// every waiter is released regardless of what it was waiting for.
func (t *Table) WakeAll(handle unsafe.Pointer, reason sched.WakeReason, caller *sched.Thread) int {
	key, err := t.keyOf(handle)
	if err != nil {
		return 0
	}
	holder := int(caller.ID)

	saved := t.sec.Enter()
	t.lock.Lock(holder)
	e, ok := t.entries[key]
	t.lock.Unlock()
	t.sec.Exit(saved)
	if !ok {
		return 0
	}

	esaved := e.sec.Enter()
	e.lock.Lock(holder)
	var towake []*sched.Thread
	for {
		n := e.waiters.PopHead()
		if n == nil {
			break
		}
		w := n.Payload.(waiter)
		towake = append(towake, w.th)
		e.count--
	}
	e.lock.Unlock()
	e.sec.Exit(esaved)

	for _, th := range towake {
		th.Scheduler().WakeWaiting(th, reason)
	}
	return len(towake)
}

// maybeGC removes key's entry if it is still empty, per §4.4's
// garbage-collection policy. It does not re-check liveness; Wait calls
// it only after observing the owning primitive dead.
func (t *Table) maybeGC(key uint64, holder int) {
	saved := t.sec.Enter()
	t.lock.Lock(holder)
	defer func() {
		t.lock.Unlock()
		t.sec.Exit(saved)
	}()

	e, ok := t.entries[key]
	if !ok {
		return
	}
	esaved := e.sec.Enter()
	e.lock.Lock(holder)
	empty := e.count == 0
	e.lock.Unlock()
	e.sec.Exit(esaved)
	if empty {
		delete(t.entries, key)
	}
}

// Contains reports whether key currently has a live entry in the
// table; used by tests asserting §4.4's garbage-collection policy and
// the "no entry survives destroy" scenario of §8.
func (t *Table) Contains(handle unsafe.Pointer) bool {
	key, err := t.keyOf(handle)
	if err != nil {
		return false
	}
	saved := t.sec.Enter()
	t.lock.Lock(0)
	defer func() {
		t.lock.Unlock()
		t.sec.Exit(saved)
	}()
	_, ok := t.entries[key]
	return ok
}
