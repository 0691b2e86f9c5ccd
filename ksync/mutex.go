package ksync

import (
	"unsafe"

	"github.com/dijkstracula/kcore/internal/futex"
	"github.com/dijkstracula/kcore/internal/irq"
	"github.com/dijkstracula/kcore/internal/sched"
	"github.com/dijkstracula/kcore/kerrors"
	"github.com/dijkstracula/kcore/klog"
)

// MutexFlags selects a Mutex's recursion and queuing behavior. The
// zero value is non-recursive, FIFO-queued, no priority elevation.
type MutexFlags struct {
	Recursive     bool
	Queuing       Discipline
	PrioElevation bool
}

const maxRecursion = 1 << 20

// Mutex is a recursive-capable, priority-inheriting mutex layered on
// the futex table (§4.6). Unlike ilock.Mutex's packed-word, CAS-loop
// design — which exists to let many simultaneous S/IS/IX holders
// coexist lock-free — a kernel mutex has exactly one owner at a time,
// so its mutable state lives behind a single spinlock instead: there
// is nothing to pack.
type Mutex struct {
	lockState int32 // 0 = held, 1 = free
	owner     *sched.Thread
	savedBase int32
	recursion int
	waiters   int
	flags     MutexFlags
	alive     bool

	sec   *irq.Section
	lock  *irq.SpinLock
	futex *futex.Table
	log   klog.Logger
}

// NewMutex constructs a free mutex with the given flags. PrioElevation
// requires PriorityOrder queuing, matching §4.6's init validation.
func NewMutex(table *futex.Table, flags MutexFlags, log klog.Logger) (*Mutex, error) {
	if flags.PrioElevation && flags.Queuing != PriorityOrder {
		return nil, kerrors.New("mutex.NewMutex", kerrors.InvalidValue)
	}
	return &Mutex{
		lockState: 1,
		flags:     flags,
		alive:     true,
		sec:       irq.NewSection(),
		lock:      irq.NewSpinLock(),
		futex:     table,
		log:       log,
	}, nil
}

func (m *Mutex) handle() unsafe.Pointer { return unsafe.Pointer(&m.lockState) }

// Handle returns the futex key this mutex is enlisted under, for
// diagnostics and tests that need to query the futex table directly
// (e.g. Table.Contains) from outside this package.
func (m *Mutex) Handle() unsafe.Pointer { return m.handle() }

func (m *Mutex) readLockState() int32 {
	saved := m.sec.Enter()
	m.lock.Lock(0)
	v := m.lockState
	m.lock.Unlock()
	m.sec.Exit(saved)
	return v
}

func (m *Mutex) isAlive() bool {
	saved := m.sec.Enter()
	m.lock.Lock(0)
	v := m.alive
	m.lock.Unlock()
	m.sec.Exit(saved)
	return v
}

// Lock implements §4.6's lock algorithm: fast-path acquisition,
// recursion, priority elevation of a less-urgent owner, and a
// futex-backed wait loop for the remaining case.
func (m *Mutex) Lock(th *sched.Thread) error {
	for {
		sched.CheckPreempt(th)

		saved := m.sec.Enter()
		m.lock.Lock(int(th.ID))

		if m.lockState == 1 {
			m.lockState = 0
			m.owner = th
			m.savedBase = int32(th.EffectivePriority())
			m.recursion = 0
			m.lock.Unlock()
			m.sec.Exit(saved)
			return nil
		}

		if m.flags.Recursive && m.owner == th {
			if m.recursion >= maxRecursion {
				m.lock.Unlock()
				m.sec.Exit(saved)
				return kerrors.New("mutex.Lock", kerrors.Overflow)
			}
			m.recursion++
			m.lock.Unlock()
			m.sec.Exit(saved)
			return nil
		}

		var elevate *sched.Thread
		if m.flags.PrioElevation && m.owner != nil && m.owner.EffectivePriority() > th.EffectivePriority() {
			elevate = m.owner
		}

		if !m.alive {
			m.lock.Unlock()
			m.sec.Exit(saved)
			return kerrors.New("mutex.Lock", kerrors.Destroyed)
		}

		m.waiters++
		m.lock.Unlock()
		m.sec.Exit(saved)

		if elevate != nil {
			th.Scheduler().UpdatePriority(elevate, th.EffectivePriority())
		}

		reason, err := m.futex.Wait(m.handle(), m.readLockState, 0, m.isAlive, m.flags.Queuing, int64(th.EffectivePriority()), th)

		saved = m.sec.Enter()
		m.lock.Lock(int(th.ID))
		m.waiters--
		// The unlock path that woke us may have already transferred
		// ownership directly to th (§4.6 step 4's atomic handover); if
		// so we are done without re-racing the fast path.
		alreadyOurs := m.owner == th
		m.lock.Unlock()
		m.sec.Exit(saved)

		if alreadyOurs {
			return nil
		}
		if err != nil {
			continue
		}
		if reason == futex.Destroyed {
			return kerrors.New("mutex.Lock", kerrors.Destroyed)
		}
		// NotBlocked, Wake, or Cancelled: loop back and retry acquisition.
	}
}

// TryLock attempts the fast-path acquisition of Lock's step 1 and, on a
// recursive mutex, the owner's re-entry of step 2; it never blocks.
func (m *Mutex) TryLock(th *sched.Thread) bool {
	saved := m.sec.Enter()
	m.lock.Lock(int(th.ID))
	defer func() {
		m.lock.Unlock()
		m.sec.Exit(saved)
	}()

	if m.lockState == 1 {
		m.lockState = 0
		m.owner = th
		m.savedBase = int32(th.EffectivePriority())
		m.recursion = 0
		return true
	}
	if m.flags.Recursive && m.owner == th && m.recursion < maxRecursion {
		m.recursion++
		return true
	}
	return false
}

// Unlock implements §4.6's unlock algorithm, including the atomic
// handover to a woken waiter before any third-party TryLock can
// observe the freed slot: m.lock stays held continuously from the
// moment the slot is marked free until the designated waiter (if any)
// has been reassigned ownership, so no concurrent TryLock can ever
// observe lockState == 1 with nobody yet holding it.
func (m *Mutex) Unlock(th *sched.Thread) error {
	sched.CheckPreempt(th)

	saved := m.sec.Enter()
	m.lock.Lock(int(th.ID))

	if m.owner != th {
		m.lock.Unlock()
		m.sec.Exit(saved)
		return kerrors.New("mutex.Unlock", kerrors.Unauthorized)
	}

	if m.flags.Recursive && m.recursion > 0 {
		m.recursion--
		m.lock.Unlock()
		m.sec.Exit(saved)
		return nil
	}

	// Lower numbers are more urgent (§4.3), so having been elevated
	// means EffectivePriority() is now numerically below savedBase;
	// restore it once the critical section that earned the elevation
	// ends.
	if m.flags.PrioElevation && th.EffectivePriority() < int(m.savedBase) {
		th.Scheduler().UpdatePriority(th, int(m.savedBase))
	}

	m.lockState = 1
	m.owner = nil
	hasWaiters := m.waiters > 0

	var next *sched.Thread
	if hasWaiters {
		next = m.handoffLocked(th)
	}

	m.lock.Unlock()
	m.sec.Exit(saved)

	if next != nil {
		next.Scheduler().WakeWaiting(next, sched.WakeSignalled)
	}
	return nil
}

// handoffLocked must be called with m.lock already held and lockState
// already set to 1 (free), owner nil. It asks the futex table for the
// next eligible waiter and, if one exists, reassigns ownership to it
// before returning — still under m.lock, so the freed slot is never
// observable to a concurrent TryLock. PopEligible only ever touches the
// futex table's own locks, never m.lock, so calling it here cannot
// deadlock; its read callback reads lockState directly rather than
// through readLockState, since re-acquiring m.lock from the same
// goroutine that already holds it would spin forever.
func (m *Mutex) handoffLocked(caller *sched.Thread) *sched.Thread {
	picked := m.futex.PopEligible(m.handle(), m.readLockStateLocked, 1, caller)
	if len(picked) == 0 {
		return nil
	}
	next := picked[0]

	m.lockState = 0
	m.owner = next
	m.savedBase = int32(next.EffectivePriority())
	m.recursion = 0

	return next
}

func (m *Mutex) readLockStateLocked() int32 { return m.lockState }

// Destroy marks the mutex dead and wakes every waiter; they observe
// kerrors.Destroyed from Lock.
func (m *Mutex) Destroy(caller *sched.Thread) {
	saved := m.sec.Enter()
	m.lock.Lock(int(caller.ID))
	m.alive = false
	m.lock.Unlock()
	m.sec.Exit(saved)

	m.futex.WakeAll(m.handle(), sched.WakeDestroyed, caller)
}

// Owner returns the current owner, or nil if free. Test/diagnostic use
// only.
func (m *Mutex) Owner() *sched.Thread {
	saved := m.sec.Enter()
	m.lock.Lock(0)
	defer func() {
		m.lock.Unlock()
		m.sec.Exit(saved)
	}()
	return m.owner
}
